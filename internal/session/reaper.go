package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper periodically force-ends sessions abandoned by crashed or
// disconnected clients so their minutes are eventually credited.
type Reaper struct {
	ledger     *Ledger
	interval   time.Duration
	staleAfter time.Duration
	logger     zerolog.Logger
}

// NewReaper creates a reaper sweeping every interval for active sessions
// older than staleAfter.
func NewReaper(ledger *Ledger, interval, staleAfter time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		ledger:     ledger,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run sweeps until ctx is cancelled. An in-progress sweep always runs to
// completion; sweeps are cheap and idempotent.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info().
		Dur("interval", r.interval).
		Dur("stale_after", r.staleAfter).
		Msg("Session reaper starting")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Session reaper stopping")
			return
		case <-ticker.C:
			reaped, err := r.ledger.ReapStale(ctx, r.staleAfter)
			if err != nil {
				r.logger.Error().Err(err).Msg("Reaper sweep failed")
				continue
			}
			if reaped > 0 {
				r.logger.Info().Int("reaped", reaped).Msg("Reaper sweep completed")
			}
		}
	}
}
