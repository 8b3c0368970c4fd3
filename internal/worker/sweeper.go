package worker

import (
	"context"
	"time"

	"convobot/internal/domain"
	"convobot/internal/metrics"

	"github.com/rs/zerolog"
)

// Sweeper periodically evicts conversations idle for longer than maxAge.
type Sweeper struct {
	storage  domain.Storage
	maxAge   time.Duration
	interval time.Duration
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
}

func NewSweeper(storage domain.Storage, maxAge, interval time.Duration, logger *zerolog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "sweeper").Logger()
	return &Sweeper{storage: storage, maxAge: maxAge, interval: interval, logger: &l, metrics: m}
}

// Start runs sweeps until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("max_age", s.maxAge).
		Msg("Idle conversation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Idle conversation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Failed to sweep idle conversations")
			}
		}
	}
}

// SweepOnce performs a single sweep and returns the number of removed conversations.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	removed, err := s.storage.SweepIdle(ctx, s.maxAge)
	s.metrics.AddSwept(removed)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Swept idle conversations")
	}
	return removed, nil
}
