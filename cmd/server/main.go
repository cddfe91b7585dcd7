// The main file of Relay.

package main

import (
	"Relay/internal/bus"
	"Relay/internal/config"
	"Relay/pkg/cleanup"
	"Relay/pkg/db"
	"Relay/pkg/log"
	"Relay/pkg/middlewares"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Indicates the build version of Relay, overridden by VERSION.
var Version = "1.0.0"

func main() {
	cfg, cfgerr := config.Load()
	if cfgerr != nil {
		log.New(Version).Fatal().Err(cfgerr).Msg("Couldn't load configuration")
	}
	log.SetLevel(cfg.LogLevel)
	logger := log.New(cfg.Version)
	logger.Info().Msgf("Welcome to Relay: v%s", cfg.Version)
	logger.Info().Msgf("Relay Environment: %s", cfg.Env)

	// This is the preferred mode used by gin server in DEV environment.
	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	rootctx, stop := context.WithCancel(context.Background())
	defer stop()

	dbwrp, dberr := db.NewDbConnection(rootctx, logger, cfg.RedisURL)
	if dberr != nil {
		logger.Fatal().Err(dberr).Msg("Couldn't connect to redis")
	}
	// The gateway still serves without the cache, rate limits fail open
	if pingerr := dbwrp.CheckDbConnection(rootctx, logger); pingerr != nil {
		logger.Warn().Err(pingerr).Msg("Redis client couldn't PING the redis-server.")
	}

	msgbus, buserr := bus.Open(rootctx, cfg.BusURL, dbwrp, logger)
	if buserr != nil {
		logger.Fatal().Err(buserr).Msg("Couldn't open the message bus")
	}

	a, apperr := newApp(cfg, dbwrp, logger)
	if apperr != nil {
		logger.Fatal().Err(apperr).Msg("Couldn't build Relay")
	}
	if refresherr := a.status.Refresh(rootctx); refresherr != nil {
		logger.Warn().Err(refresherr).Msg("Initial status refresh failed, using defaults")
	}

	// Initializing the gin server.
	server := gin.New()
	server.Use(middlewares.CorrelationMiddleware())
	server.Use(middlewares.CORSMiddleware(cfg.CORSOrigin))
	// Forcing gin to use custom Logger instead of the default one.
	server.Use(log.LoggerGinExtension(logger))
	server.Use(gin.Recovery())
	Router(server, a)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server,
	}

	group, groupctx := errgroup.WithContext(rootctx)
	group.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Listening")
		if srverr := srv.ListenAndServe(); srverr != nil && !errors.Is(srverr, http.ErrServerClosed) {
			return srverr
		}
		return nil
	})
	group.Go(func() error { return a.status.Run(groupctx, cfg.StatusRefresh) })
	group.Go(func() error { return a.admin.Run(groupctx, msgbus) })
	group.Go(func() error { return a.events.Run(groupctx, msgbus) })
	group.Go(func() error { return a.metrics.Run(groupctx) })

	// Graceful shutdown of Relay triggered due to system interruptions or a failing component.
	wait := cleanup.GracefulShutdown(groupctx, logger, cfg.ShutdownTimeout, map[string]cleanup.Operation{
		"Relay": func(ctx context.Context) error {
			sherr := a.sessions.Shutdown(ctx, cfg.ShutdownGrace)
			// Consumers and the refresh loop stop once every socket is gone
			stop()
			if clrerr := a.metrics.Cleanup(ctx); clrerr != nil {
				logger.Warn().Err(clrerr).Msg("Couldn't clear the presence mirror")
			}
			sherr = multierr.Append(sherr, msgbus.Close())
			sherr = multierr.Append(sherr, dbwrp.CloseDbConnection(ctx))
			return sherr
		},
		"Gin": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	shuterr := <-wait
	stop()
	if grouperr := group.Wait(); grouperr != nil {
		logger.Error().Err(grouperr).Msg("Relay stopped on a failing component")
	}
	if shuterr != nil {
		logger.Error().Err(shuterr).Msg("Relay shutdown incomplete")
	}
}
