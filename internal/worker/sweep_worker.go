package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Sweeper terminates sessions whose deadline has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// Locker elects the replica that sweeps on a given tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SweepWorker runs the expiry sweep on a fixed interval.
type SweepWorker struct {
	sweeper   Sweeper
	locker    Locker
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

// NewSweepWorker creates a SweepWorker. A nil locker sweeps on every tick.
func NewSweepWorker(sweeper Sweeper, locker Locker, interval time.Duration, batchSize int, log zerolog.Logger) *SweepWorker {
	return &SweepWorker{
		sweeper:   sweeper,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "sweep_worker").Logger(),
	}
}

func (w *SweepWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("SweepWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("SweepWorker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick sweeps full batches until one comes back short.
func (w *SweepWorker) tick(ctx context.Context) {
	if w.locker != nil {
		// Lease expires before the next tick so a crashed leader is replaced.
		ok, err := w.locker.TryLock(ctx, config.CacheKey.SweepLockKey(), w.interval*9/10)
		if err != nil {
			w.log.Warn().Err(err).Msg("Sweep lock unavailable, skipping tick")
			return
		}
		if !ok {
			return
		}
	}

	total := 0
	for {
		n, err := w.sweeper.SweepExpired(ctx, w.batchSize)
		total += n
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Expiry sweep failed")
			}
			break
		}
		if n < w.batchSize {
			break
		}
	}
	if total > 0 {
		w.log.Info().Int("expired", total).Msg("Expired sessions terminated")
	}
}
