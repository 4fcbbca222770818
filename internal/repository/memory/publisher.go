package memory

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const maxRetainedViolations = 1024

// Publisher fans session events out to in-process subscribers using the same
// channel names as Redis, and keeps the most recent violations as the memory
// driver's audit log.
type Publisher struct {
	mu         sync.Mutex
	violations []model.ViolationEvent
	subs       map[string]map[chan model.SessionEvent]struct{}
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[string]map[chan model.SessionEvent]struct{})}
}

func (p *Publisher) Publish(_ context.Context, ev model.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, channel := range []string{
		config.CacheKey.SessionEventsChannel(ev.SessionToken),
		config.CacheKey.QuizProctorChannel(ev.QuizID),
	} {
		for ch := range p.subs[channel] {
			select {
			case ch <- ev:
			default: // slow subscriber, drop like Redis Pub/Sub would
			}
		}
	}
	return nil
}

func (p *Publisher) QueueViolation(_ context.Context, ev model.ViolationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.violations = append(p.violations, ev)
	if len(p.violations) > maxRetainedViolations {
		p.violations = p.violations[len(p.violations)-maxRetainedViolations:]
	}
	return nil
}

// Subscribe registers for events on channel until ctx ends or cancel is called.
func (p *Publisher) Subscribe(ctx context.Context, channel string) (<-chan model.SessionEvent, func(), error) {
	ch := make(chan model.SessionEvent, 16)

	p.mu.Lock()
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[chan model.SessionEvent]struct{})
	}
	p.subs[channel][ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs[channel], ch)
			if len(p.subs[channel]) == 0 {
				delete(p.subs, channel)
			}
			p.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// ListViolations returns the retained violations of a quiz, newest first.
// A positive limit caps the result.
func (p *Publisher) ListViolations(_ context.Context, quizID int64, limit int) ([]model.ViolationEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.ViolationEvent
	for i := len(p.violations) - 1; i >= 0; i-- {
		if p.violations[i].QuizID != quizID {
			continue
		}
		out = append(out, p.violations[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
