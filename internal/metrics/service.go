// Service layer of the internal package metrics.

package metrics

import (
	"Relay/internal/entity"
	"Relay/pkg/log"
	"context"
	"sync"
	"time"
)

// Event broadcast when the peak users record is beaten.
const CmdPeak = "peak"

// Publisher hands server originated events to the fan-out engine.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event) int
}

// Presence transitions waiting for the cache. Beyond this, transitions are dropped.
const pendingSize = 1024

// Service layer of internal package metrics which keeps the gauges, the peak users record
// and the presence mirror of this process up to date.
type Service interface {
	// Observe consumes a presence transition emitted by the registry. It never waits on the cache.
	Observe(ctx context.Context, change entity.PresenceChange)
	// Run applies observed transitions to the cache until ctx is done
	Run(ctx context.Context) error
	// Peak returns the best known peak users record
	Peak(ctx context.Context) (entity.PeakUsers, error)
	// Cleanup drops the presence mirror of this process
	Cleanup(ctx context.Context) error
}

// Object of this will be passed around from main to the registry hooks.
type service struct {
	instance  string
	repo      Repository
	publisher Publisher
	logger    log.Logger
	now       func() time.Time
	pending   chan entity.PresenceChange

	mu     sync.Mutex
	peak   entity.PeakUsers
	loaded bool
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
// instance names the presence mirror set of this process.
func NewService(instance string, repo Repository, publisher Publisher, logger log.Logger) Service {
	return &service{
		instance:  instance,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		pending:   make(chan entity.PresenceChange, pendingSize),
	}
}

func (s *service) Observe(ctx context.Context, change entity.PresenceChange) {
	Users.Set(float64(change.Users))
	select {
	case s.pending <- change:
	default:
		s.logger.WithCtx(ctx).Warn().Str("username", change.Username).Msg("Metrics queue full, presence transition dropped")
	}
}

func (s *service) Run(ctx context.Context) error {
	s.logger.Info().Msg("Launching metrics loop")
	for {
		select {
		case change := <-s.pending:
			s.apply(ctx, change)
		case <-ctx.Done():
			s.logger.Info().Msg("Successfully stopped metrics loop")
			return nil
		}
	}
}

// apply mirrors one transition and records a beaten peak.
func (s *service) apply(ctx context.Context, change entity.PresenceChange) {
	// Best effort, the repository logs failures
	_ = s.repo.MirrorPresence(ctx, s.logger, s.instance, change.Username, change.Online)
	if !change.Online {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if stored, err := s.repo.GetPeak(ctx, s.logger); err == nil {
			s.peak, s.loaded = stored, true
		}
	}
	if change.Users <= s.peak.Count {
		return
	}
	candidate := entity.PeakUsers{Count: change.Users, Timestamp: s.now().Unix()}
	stored, err := s.repo.SetPeakIfHigher(ctx, s.logger, candidate)
	if err == nil && !stored {
		// Another process holds a higher record, adopt it silently
		if current, geterr := s.repo.GetPeak(ctx, s.logger); geterr == nil {
			s.peak = current
		}
		return
	}
	s.peak = candidate
	s.logger.WithCtx(ctx).Info().Int("count", candidate.Count).Msg("New peak users record")
	s.publisher.Publish(ctx, entity.Event{Cmd: CmdPeak, Val: candidate, Audience: entity.ToAll()})
}

func (s *service) Peak(ctx context.Context) (entity.PeakUsers, error) {
	peak, err := s.repo.GetPeak(ctx, s.logger)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.peak, err
	}
	return peak, nil
}

func (s *service) Cleanup(ctx context.Context) error {
	return s.repo.ClearPresence(ctx, s.logger, s.instance)
}
