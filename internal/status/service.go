// Service layer of the internal package status: process-wide repair and registration flags.

package status

import (
	"Relay/internal/backend"
	"Relay/pkg/log"
	"context"
	"sync"
	"time"
)

// Source publishes the status document, implemented by the backend proxy.
type Source interface {
	Status(ctx context.Context) (backend.StatusDocument, error)
}

// RepairHook runs when repair mode switches on.
type RepairHook func(ctx context.Context)

// Service holds the flags refreshed on startup, periodically and on admin directives.
type Service struct {
	source Source
	repo   Repository
	logger log.Logger

	mu           sync.RWMutex
	repair       bool
	registration bool
	hooks        []RepairHook
}

func NewService(source Source, repo Repository, logger log.Logger) *Service {
	// Registration stays open until the backend says otherwise
	return &Service{source: source, repo: repo, logger: logger, registration: true}
}

// OnRepair registers a hook run on every off -> on transition of repair mode.
func (s *Service) OnRepair(hook RepairHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Refresh reads the backend document and the cache flag.
// Sources that fail keep their previous contribution.
func (s *Service) Refresh(ctx context.Context) error {
	doc, docerr := s.source.Status(ctx)
	flag, flagerr := s.repo.RepairFlag(ctx, s.logger)

	s.mu.Lock()
	was := s.repair
	repair := was
	switch {
	case docerr == nil && flagerr == nil:
		repair = doc.RepairMode || flag
	case docerr == nil:
		repair = doc.RepairMode
	case flagerr == nil:
		repair = flag
	}
	if docerr == nil {
		s.registration = doc.Registration
	}
	s.repair = repair
	hooks := append([]RepairHook(nil), s.hooks...)
	s.mu.Unlock()

	if docerr != nil {
		s.logger.WithCtx(ctx).Warn().Err(docerr).Msg("Couldn't refresh status document")
	}
	if repair != was {
		s.logger.WithCtx(ctx).Warn().Bool("repair_mode", repair).Msg("Repair mode changed")
	}
	if repair && !was {
		for _, hook := range hooks {
			hook(ctx)
		}
	}
	if docerr != nil {
		return docerr
	}
	return flagerr
}

// SetRepairMode flips the cache flag then refreshes.
func (s *Service) SetRepairMode(ctx context.Context, enabled bool) error {
	if err := s.repo.SetRepairFlag(ctx, s.logger, enabled); err != nil {
		return err
	}
	if !enabled {
		// The backend document may still hold repair mode, Refresh decides
		s.mu.Lock()
		s.repair = false
		s.mu.Unlock()
	}
	return s.Refresh(ctx)
}

// RepairMode reports whether new connections must be refused.
func (s *Service) RepairMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repair
}

// RegistrationEnabled reports whether gen_account is allowed.
func (s *Service) RegistrationEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registration
}

// CacheHealthy reports whether the shared cache answers.
func (s *Service) CacheHealthy(ctx context.Context) bool {
	return s.repo.Healthy(ctx)
}

// Run refreshes every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.WithCtx(ctx).Info().Dur("interval", interval).Msg("Launching status refresh loop")
	for {
		select {
		case <-ticker.C:
			_ = s.Refresh(ctx)
		case <-ctx.Done():
			s.logger.Info().Msg("Successfully stopped status refresh loop")
			return nil
		}
	}
}
