package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
	"github.com/stretchr/testify/require"
)

// quizOpen is T in the window scenarios: quiz 5 runs [T, T+60m] with no limit.
var quizOpen = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock      *fakeClock
	store      *memory.Store
	catalog    *memory.Catalog
	buffer     *memory.AnswerBuffer
	events     *recordingPublisher
	lifecycle  *SessionService
	violations *ViolationService
	gate       *SubmissionService
	attempts   *AttemptService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	autoSubmit bool
	events     EventPublisher
	results    func(*memory.Store) ResultStore
}

func withoutAutoSubmit() harnessOption {
	return func(c *harnessConfig) { c.autoSubmit = false }
}

func withEvents(p EventPublisher) harnessOption {
	return func(c *harnessConfig) { c.events = p }
}

func withResults(f func(*memory.Store) ResultStore) harnessOption {
	return func(c *harnessConfig) { c.results = f }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{autoSubmit: true}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		clock:   &fakeClock{now: quizOpen.Add(time.Minute)},
		store:   memory.NewStore(),
		catalog: memory.NewCatalog(),
		buffer:  memory.NewAnswerBuffer(),
		events:  &recordingPublisher{Publisher: memory.NewPublisher()},
	}
	var events EventPublisher = h.events
	if cfg.events != nil {
		events = cfg.events
	}

	thirty := 30
	h.catalog.Put(model.Quiz{ID: 5, Title: "Geography", StartAt: quizOpen, EndAt: quizOpen.Add(time.Hour)}, []model.Question{
		{ID: 1, Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "B", Points: 2, OrderIndex: 1},
		{ID: 2, Type: model.QuestionTypeShortAnswer, CorrectAnswer: "Paris", Points: 1, OrderIndex: 2},
	})
	h.catalog.Put(model.Quiz{ID: 6, Title: "Timed", StartAt: quizOpen, EndAt: quizOpen.Add(2 * time.Hour), TimeLimitMinutes: &thirty}, []model.Question{
		{ID: 10, Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "A", Points: 1},
	})

	log := zerolog.Nop()
	deadlines := NewDeadlineService(h.clock.Now)
	h.lifecycle = NewSessionService(h.store, h.store.Sessions(), h.store.Attempts(), h.catalog, h.buffer, events, deadlines, nil, 10*time.Minute, log)
	h.violations = NewViolationService(h.store, h.store.Sessions(), h.lifecycle, deadlines, DefaultViolationPolicy(), events, nil, log)
	var results ResultStore = h.store.Results()
	if cfg.results != nil {
		results = cfg.results(h.store)
	}
	h.gate = NewSubmissionService(h.lifecycle, h.catalog, results, h.buffer, deadlines, nil, log)
	h.attempts = NewAttemptService(h.store.Attempts())
	if cfg.autoSubmit {
		h.lifecycle.SetAutoSubmitter(h.gate)
	}
	return h
}

func (h *harness) start(t *testing.T, quizID, studentID int64) string {
	t.Helper()
	res, err := h.lifecycle.Start(context.Background(), quizID, studentID)
	require.NoError(t, err)
	return res.SessionToken
}

func (h *harness) session(t *testing.T, token string) *model.QuizSession {
	t.Helper()
	sess, err := h.store.Sessions().GetByToken(context.Background(), token)
	require.NoError(t, err)
	return sess
}

func requireCode(t *testing.T, err error, code ErrorCode) *ProctorError {
	t.Helper()
	var perr *ProctorError
	require.True(t, errors.As(err, &perr), "expected ProctorError, got %v", err)
	require.Equal(t, code, perr.Code)
	return perr
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, model.SessionEvent) error {
	return errors.New("redis down")
}

func (failingPublisher) QueueViolation(context.Context, model.ViolationEvent) error {
	return errors.New("redis down")
}

// brokenResults writes the row and then fails, like a store that errors after
// a partial write.
type brokenResults struct {
	*memory.ResultRepository
}

func (r brokenResults) Save(ctx context.Context, res *model.ScoredResult) error {
	if err := r.ResultRepository.Save(ctx, res); err != nil {
		return err
	}
	return errors.New("result store unavailable")
}

// recordingPublisher keeps every published session event for assertions.
type recordingPublisher struct {
	*memory.Publisher

	mu     sync.Mutex
	events []model.SessionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev model.SessionEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return p.Publisher.Publish(ctx, ev)
}

func (p *recordingPublisher) Events() []model.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.SessionEvent(nil), p.events...)
}
