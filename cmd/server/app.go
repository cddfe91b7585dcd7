// Wiring of every Relay component, shared by main and the end-to-end tests.

package main

import (
	"Relay/internal/admin"
	"Relay/internal/auth"
	"Relay/internal/backend"
	"Relay/internal/client"
	"Relay/internal/commands"
	"Relay/internal/config"
	"Relay/internal/entity"
	"Relay/internal/events"
	"Relay/internal/fanout"
	"Relay/internal/metrics"
	"Relay/internal/posts"
	"Relay/internal/ratelimit"
	"Relay/internal/registry"
	"Relay/internal/session"
	"Relay/internal/status"
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// app holds the long lived components of one gateway process.
type app struct {
	registry *registry.Registry
	status   *status.Service
	metrics  metrics.Service
	sessions *session.Manager
	admin    *admin.Consumer
	events   *events.Consumer
	prom     *prometheus.Registry
}

func newApp(cfg config.Config, dbwrp *db.RedisDB, logger log.Logger) (*app, error) {
	api := backend.New(cfg.BackendURL, cfg.InternalToken, cfg.BackendTimeout, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewRepository(dbwrp), logger)

	reg := registry.New(logger)
	parser := posts.NewParser(api, cfg.PostCacheSize, cfg.PostCacheTTL, logger)
	engine := fanout.New(reg, parser, logger)

	// One presence mirror set per process
	instance := xid.New().String()
	metricsSvc := metrics.NewService(instance, metrics.NewRepository(dbwrp), engine, logger)
	reg.OnPresenceChange(engine.BroadcastPresence)
	reg.OnPresenceChange(metricsSvc.Observe)

	statusSvc := status.NewService(api, status.NewRepository(dbwrp), logger)
	authSvc := auth.NewService(api, reg, limiter, logger)

	dispatcher := commands.NewDispatcher(logger, commands.Catalog(commands.Deps{
		Auth:      authSvc,
		Backend:   api,
		Sessions:  reg,
		Publisher: engine,
		Flags:     statusSvc,
		Peak:      metricsSvc,
		Limiter:   limiter,
	})...)

	manager := session.NewManager(reg, dispatcher, authSvc, statusSvc, session.Options{
		QueueSize:     cfg.SendQueueSize,
		MaxPacketSize: cfg.MaxPacketSize,
		InboundRate:   cfg.InboundRate,
		InboundBurst:  cfg.InboundBurst,
		RealIPHeader:  cfg.RealIPHeader,
	}, logger)
	statusSvc.OnRepair(func(ctx context.Context) {
		n := manager.KickAll(client.CloseGoingAway, client.ReasonRepairMode)
		logger.WithCtx(ctx).Warn().Int("connections", n).Msg("Repair mode enabled, every connection closed")
	})

	prom := prometheus.NewRegistry()
	if regerr := metrics.Register(prom); regerr != nil {
		return nil, regerr
	}

	return &app{
		registry: reg,
		status:   statusSvc,
		metrics:  metricsSvc,
		sessions: manager,
		admin:    admin.NewConsumer(api, reg, engine, statusSvc, logger),
		events:   events.NewConsumer(engine, reg, logger),
		prom:     prom,
	}, nil
}

// gatewayStatus is the document served on /status.
func (a *app) gatewayStatus(ctx context.Context) entity.GatewayStatus {
	return entity.GatewayStatus{
		RepairMode:   a.status.RepairMode(),
		Registration: a.status.RegistrationEnabled(),
		Connections:  a.registry.Count(),
		Users:        a.registry.UserCount(),
		CacheHealthy: a.status.CacheHealthy(ctx),
	}
}
