// retention.go — periodic expiry sweep for MemoryUnits (spec §9's expiry
// discussion). Adapted from the teacher's internal/retention/janitor.go:
// same background-ticker-with-immediate-first-run shape and graceful
// shutdown on context cancellation, stripped of the archive-driver
// registry (no archive backend is part of this domain — expired units
// are purged outright, never archived) since nothing in this spec calls
// for a durable off-store copy of a decayed memory.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetentionInterval is how often the janitor sweeps for expired
// MemoryUnits when the caller doesn't specify an interval.
const DefaultRetentionInterval = time.Hour

// DefaultSweepBatchSize caps how many expired units a single sweep purges,
// so one slow cycle can't block the next tick indefinitely.
const DefaultSweepBatchSize = 1000

// Janitor periodically purges MemoryUnits whose expires_at has passed.
type Janitor struct {
	dual     *DualWriteStore
	interval time.Duration
	batch    int
}

// NewJanitor builds a Janitor over dual, sweeping every interval. An
// interval under a minute is raised to DefaultRetentionInterval — a
// tighter loop has no purpose here since expires_at is measured in days.
func NewJanitor(dual *DualWriteStore, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultRetentionInterval
	}
	return &Janitor{dual: dual, interval: interval, batch: DefaultSweepBatchSize}
}

// Start runs the janitor in the caller's goroutine, blocking until ctx is
// canceled. Callers invoke this via `go janitor.Start(ctx)`.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("🧹 retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🧹 retention janitor stopped")
			return
		case <-ticker.C:
			j.runSweep(ctx)
		}
	}
}

// runSweep purges one batch of expired memory units.
func (j *Janitor) runSweep(ctx context.Context) {
	purged, err := j.dual.PurgeExpired(ctx, time.Now().UTC(), j.batch)
	if err != nil {
		log.Warn().Err(err).Msg("🧹 retention sweep failed")
		return
	}
	if purged > 0 {
		log.Info().Int("purged", purged).Msg("🧹 retention sweep complete")
	}
}
