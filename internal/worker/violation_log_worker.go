package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationSink stores audit log rows.
type ViolationSink interface {
	BulkInsert(ctx context.Context, events []model.ViolationEvent) (int64, error)
	Insert(ctx context.Context, e model.ViolationEvent) error
}

// ViolationLogWorker drains the violation queue into the audit log.
type ViolationLogWorker struct {
	sink ViolationSink
	rdb  *redis.Client
	log  zerolog.Logger

	// backoff is slept after a Redis error or a requeue.
	backoff time.Duration
}

func NewViolationLogWorker(sink ViolationSink, rdb *redis.Client, log zerolog.Logger) *ViolationLogWorker {
	return &ViolationLogWorker{
		sink:    sink,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_log_worker").Logger(),
		backoff: 2 * time.Second,
	}
}

func (w *ViolationLogWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationLogWorker started")

	buffer := make([]model.ViolationEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. BLPop returns immediately if data exists, else after PollTimeout.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue // next iteration flushes and returns
			}
			w.log.Error().Err(err).Msg("Redis connection error, backing off")
			w.sleep(ctx)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var ev model.ViolationEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed JSON can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation event")
			continue
		}
		buffer = append(buffer, ev)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ViolationLogWorker) flushSafe(ctx context.Context, batch []model.ViolationEvent) {
	n, err := w.sink.BulkInsert(ctx, batch)
	if err == nil {
		w.log.Debug().Int64("rows", n).Msg("Violation batch persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var requeue []model.ViolationEvent
	for _, ev := range batch {
		if err := w.sink.Insert(ctx, ev); err != nil {
			w.log.Error().Err(err).
				Str("category", string(ev.Category)).
				Int64("student_id", ev.StudentID).
				Msg("Insert failed, requeueing")
			requeue = append(requeue, ev)
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationLogWorker) requeue(ctx context.Context, items []model.ViolationEvent) {
	// Requeue with a fresh context; the caller's may already be cancelled.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(pushCtx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(pushCtx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violation events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	w.sleep(ctx)
}

func (w *ViolationLogWorker) sleep(ctx context.Context) {
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *ViolationLogWorker) shutdown(buffer []model.ViolationEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
