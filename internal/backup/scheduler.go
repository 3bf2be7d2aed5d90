package backup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
)

// Scheduler runs an Exporter on a fixed interval.
type Scheduler struct {
	exp      *Exporter
	interval time.Duration
	log      zerolog.Logger
}

// NewScheduler returns a scheduler; Run starts it.
func NewScheduler(exp *Exporter, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{exp: exp, interval: interval, log: log.With().Str("component", "backup").Logger()}
}

// Run blocks until ctx is cancelled, exporting once per interval. A locked
// vault skips the tick; other failures are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("backup interval must be positive")
	}
	s.log.Info().Dur("interval", s.interval).Msg("backup scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("backup scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.exp.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, keystore.ErrVaultLocked):
		s.log.Warn().Msg("scheduled backup skipped: vault locked")
	case errors.Is(err, context.Canceled):
	default:
		s.log.Error().Err(err).Msg("scheduled backup failed")
	}
}
