/*
scheduler.go - Periodic tier recompute

PURPOSE:
  Stored tiers are derived at write time. After the tier table changes (new
  thresholds deployed), customers who have not transacted since still carry
  the old tier. The scheduler periodically runs Engine.RecomputeAll so stored
  tiers converge on the current table without waiting for new activity.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start, so a deploy with a new table converges
    right away
  - RecomputeTier writes only customers whose tier actually changed, so a
    run over an up-to-date book is read-only

USAGE:
  scheduler := NewTierRecomputeScheduler(engine, logger)
  scheduler.CheckInterval = cfg.Scheduler.RecomputeInterval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: POST /api/customers/{id}/recompute (single customer)
  - loyalty/engine.go: RecomputeAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Recomputer is the part of *loyalty.Engine the scheduler drives.
type Recomputer interface {
	RecomputeAll(ctx context.Context) (int, error)
}

// TierRecomputeScheduler re-derives stored tiers on an interval.
type TierRecomputeScheduler struct {
	Engine        Recomputer
	CheckInterval time.Duration
	Enabled       bool
	Timeout       time.Duration

	logger zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun     time.Time
	lastChanged int
	lastErr     error
}

// NewTierRecomputeScheduler creates a new scheduler.
func NewTierRecomputeScheduler(engine Recomputer, logger zerolog.Logger) *TierRecomputeScheduler {
	return &TierRecomputeScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Timeout:       10 * time.Minute,
		logger:        logger.With().Str("component", "tier-scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (s *TierRecomputeScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *TierRecomputeScheduler) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	s.wg.Wait()
	s.logger.Info().Msg("stopped")
}

func (s *TierRecomputeScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one recompute pass and returns how many tiers changed.
func (s *TierRecomputeScheduler) RunNow(ctx context.Context) (int, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	started := time.Now()
	changed, err := s.Engine.RecomputeAll(ctx)

	s.mu.Lock()
	s.lastRun, s.lastChanged, s.lastErr = started, changed, err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Int("changed", changed).Msg("tier recompute failed")
		return changed, err
	}
	if changed > 0 {
		s.logger.Info().Int("changed", changed).Dur("took", time.Since(started)).Msg("tiers recomputed")
	}
	return changed, nil
}

// LastRun reports the outcome of the most recent pass.
func (s *TierRecomputeScheduler) LastRun() (at time.Time, changed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastChanged, s.lastErr
}
