package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventPublisher fans session events out over Redis Pub/Sub and queues
// accepted violations for the audit log worker.
type EventPublisher struct {
	rdb *redis.Client
}

// NewEventPublisher creates a new EventPublisher.
func NewEventPublisher(rdb *redis.Client) *EventPublisher {
	return &EventPublisher{rdb: rdb}
}

// Publish sends ev to the session channel and the quiz's proctor channel.
func (p *EventPublisher) Publish(ctx context.Context, ev model.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.SessionEventsChannel(ev.SessionToken), payload)
	pipe.Publish(ctx, config.CacheKey.QuizProctorChannel(ev.QuizID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// QueueViolation pushes ev onto the violation persistence queue.
func (p *EventPublisher) QueueViolation(ctx context.Context, ev model.ViolationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	return p.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err()
}

// Subscribe streams decoded events published on channel until ctx ends or
// the returned cancel func is called. Undecodable payloads are skipped.
func (p *EventPublisher) Subscribe(ctx context.Context, channel string) (<-chan model.SessionEvent, func(), error) {
	pubsub := p.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan model.SessionEvent, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev model.SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { _ = pubsub.Close() }) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out, cancel, nil
}
