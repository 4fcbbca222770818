package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepWorkerTerminatesSilentSessions(t *testing.T) {
	opens := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := &testClock{now: opens.Add(time.Minute)}
	log := zerolog.Nop()

	limit := 30
	catalog := memory.NewCatalog()
	catalog.Put(model.Quiz{ID: 6, Title: "Timed", StartAt: opens, EndAt: opens.Add(2 * time.Hour), TimeLimitMinutes: &limit}, []model.Question{
		{ID: 10, Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "A", Points: 1},
	})

	store := memory.NewStore()
	buffer := memory.NewAnswerBuffer()
	events := memory.NewPublisher()
	deadlines := service.NewDeadlineService(clock.Now)
	sessions := service.NewSessionService(store, store.Sessions(), store.Attempts(), catalog, buffer, events, deadlines, nil, 10*time.Minute, log)
	gate := service.NewSubmissionService(sessions, catalog, store.Results(), buffer, deadlines, nil, log)
	sessions.SetAutoSubmitter(gate)

	ctx := context.Background()
	silent, err := sessions.Start(ctx, 6, 1)
	require.NoError(t, err)
	_, err = sessions.Heartbeat(ctx, silent.SessionToken, []model.Answer{{QuestionID: 10, Answer: "a"}})
	require.NoError(t, err)

	pushed, stop, err := events.Subscribe(ctx, config.CacheKey.SessionEventsChannel(silent.SessionToken))
	require.NoError(t, err)
	defer stop()

	clock.Advance(20 * time.Minute)
	late, err := sessions.Start(ctx, 6, 2) // deadline 20 minutes after the first
	require.NoError(t, err)

	const interval = 10 * time.Millisecond
	w := NewSweepWorker(sessions, nil, interval, 50, log)
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Start(workerCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	clock.Advance(11 * time.Minute)

	select {
	case ev := <-pushed:
		assert.Equal(t, model.EventSessionTerminated, ev.Type)
		assert.Equal(t, model.ReasonDeadlineExceeded, ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("no termination pushed by the sweep")
	}

	sess, err := sessions.Get(ctx, silent.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateTerminated, sess.State)

	res, err := gate.Result(ctx, silent.SessionToken)
	require.NoError(t, err)
	assert.True(t, res.AutoSubmitted)
	assert.Equal(t, 1, res.Score)

	time.Sleep(5 * interval)
	other, err := sessions.Get(ctx, late.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateStarted, other.State)
}
