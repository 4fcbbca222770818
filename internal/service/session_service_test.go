package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOutsideWindowThenInside(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Set(quizOpen.Add(-time.Minute))
	_, err := h.lifecycle.Start(ctx, 5, 9)
	perr := requireCode(t, err, CodeOutsideWindow)
	require.NotNil(t, perr.WindowStart)
	require.NotNil(t, perr.WindowEnd)
	assert.Equal(t, quizOpen, *perr.WindowStart)
	assert.Equal(t, quizOpen.Add(time.Hour), *perr.WindowEnd)
	assert.False(t, perr.Terminal())

	h.clock.Set(quizOpen.Add(time.Minute))
	res, err := h.lifecycle.Start(ctx, 5, 9)
	require.NoError(t, err)
	assert.Equal(t, quizOpen.Add(time.Hour), res.DeadlineAt)
	assert.Equal(t, model.SessionStateStarted, res.State)
	assert.Len(t, res.SessionToken, 32)

	sess := h.session(t, res.SessionToken)
	assert.Equal(t, model.NewViolationCounts(), sess.ViolationCounts)
}

func TestStartAtWindowEndIsRejected(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(quizOpen.Add(time.Hour))

	_, err := h.lifecycle.Start(context.Background(), 5, 9)
	requireCode(t, err, CodeOutsideWindow)
}

func TestStartDeadlineIsEarlierOfLimitAndWindowEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Set(quizOpen.Add(10 * time.Minute))
	res, err := h.lifecycle.Start(ctx, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, quizOpen.Add(40*time.Minute), res.DeadlineAt)

	h.clock.Set(quizOpen.Add(105 * time.Minute))
	res, err = h.lifecycle.Start(ctx, 6, 2)
	require.NoError(t, err)
	assert.Equal(t, quizOpen.Add(2*time.Hour), res.DeadlineAt)
}

func TestStartUnknownQuiz(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.Start(context.Background(), 404, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartConsumesAttemptEvenAfterAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.lifecycle.Start(ctx, 5, 9)
	assert.ErrorIs(t, err, ErrAlreadyAttempted)

	_, err = h.lifecycle.Abandon(ctx, token)
	require.NoError(t, err)

	_, err = h.lifecycle.Start(ctx, 5, 9)
	perr := requireCode(t, err, CodeAlreadyAttempted)
	assert.True(t, perr.Terminal())
}

func TestConcurrentStartExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.lifecycle.Start(ctx, 5, 9)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyAttempted):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, rejected)

	sessions, err := h.lifecycle.ListByQuiz(ctx, 5)
	require.NoError(t, err)
	active := 0
	for _, s := range sessions {
		if s.StudentID == 9 && !s.State.IsTerminal() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestMarkInProgressIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	ack, err := h.lifecycle.MarkInProgress(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateInProgress, ack.State)

	ack, err = h.lifecycle.MarkInProgress(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateInProgress, ack.State)
	assert.Equal(t, int64(59*60), ack.RemainingSeconds)

	inProgress := 0
	for _, ev := range h.events.Events() {
		if ev.Type == model.EventSessionInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestHeartbeatUpdatesLastContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	h.clock.Advance(30 * time.Second)
	_, err := h.lifecycle.Heartbeat(ctx, token, nil)
	require.NoError(t, err)

	assert.Equal(t, h.clock.Now(), h.session(t, token).LastContactAt)
}

func TestLazyExpiryOnHeartbeat(t *testing.T) {
	h := newHarness(t, withoutAutoSubmit())
	ctx := context.Background()
	token := h.start(t, 5, 9)

	h.clock.Set(quizOpen.Add(time.Hour))
	_, err := h.lifecycle.Heartbeat(ctx, token, nil)
	perr := requireCode(t, err, CodeSessionTerminated)
	assert.Equal(t, model.ReasonDeadlineExceeded, perr.Reason)

	sess := h.session(t, token)
	assert.Equal(t, model.SessionStateTerminated, sess.State)
	assert.Equal(t, model.ReasonDeadlineExceeded, sess.Reason())
	require.NotNil(t, sess.EndedAt)
}

func TestStatusIsReadOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	st, err := h.lifecycle.Status(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(59*60), st.RemainingSeconds)

	h.clock.Set(quizOpen.Add(2 * time.Hour))
	st, err = h.lifecycle.Status(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateStarted, st.State)
	assert.Zero(t, st.RemainingSeconds)
	assert.Equal(t, model.SessionStateStarted, h.session(t, token).State)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	ack, err := h.lifecycle.Abandon(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateTerminated, ack.State)
	assert.Equal(t, model.ReasonAbandoned, h.session(t, token).Reason())

	_, err = h.lifecycle.Abandon(ctx, token)
	perr := requireCode(t, err, CodeSessionTerminated)
	assert.Equal(t, model.ReasonAbandoned, perr.Reason)
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lifecycle.MarkInProgress(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.lifecycle.Heartbeat(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.lifecycle.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.violations.Record(ctx, "nope", model.ViolationTabSwitch)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.gate.Submit(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepTerminatesSilentSessions(t *testing.T) {
	h := newHarness(t, withoutAutoSubmit())
	ctx := context.Background()
	a := h.start(t, 5, 1)
	b := h.start(t, 5, 2)
	h.clock.Set(quizOpen.Add(10 * time.Minute))
	c := h.start(t, 6, 3) // deadline T+40m

	h.clock.Set(quizOpen.Add(45 * time.Minute))
	n, err := h.lifecycle.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ReasonDeadlineExceeded, h.session(t, c).Reason())
	assert.Equal(t, model.SessionStateStarted, h.session(t, a).State)

	h.clock.Set(quizOpen.Add(time.Hour))
	n, err = h.lifecycle.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, token := range []string{a, b} {
		sess := h.session(t, token)
		assert.Equal(t, model.SessionStateTerminated, sess.State)
		assert.Equal(t, model.ReasonDeadlineExceeded, sess.Reason())
	}

	n, err = h.lifecycle.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	var terminated int
	for _, ev := range h.events.Events() {
		if ev.Type == model.EventSessionTerminated {
			terminated++
		}
	}
	assert.Equal(t, 3, terminated)

	can, err := h.attempts.CanRetake(ctx, 5, 1)
	require.NoError(t, err)
	assert.False(t, can.CanRetake)
}

func TestSweepAutoSubmitsBufferedAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.lifecycle.Heartbeat(ctx, token, []model.Answer{{QuestionID: 1, Answer: "b"}})
	require.NoError(t, err)

	h.clock.Set(quizOpen.Add(time.Hour))
	n, err := h.lifecycle.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess := h.session(t, token)
	assert.Equal(t, model.SessionStateTerminated, sess.State)
	assert.Equal(t, model.ReasonDeadlineExceeded, sess.Reason())

	res, err := h.gate.Result(ctx, token)
	require.NoError(t, err)
	assert.True(t, res.AutoSubmitted)
	assert.Equal(t, 2, res.Score)
	assert.Equal(t, 3, res.MaxScore)

	_, err = h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 2, Answer: "paris"}})
	requireCode(t, err, CodeSessionTerminated)

	buffered, err := h.buffer.Load(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func TestFailedAutoSubmitStillTerminates(t *testing.T) {
	h := newHarness(t, withResults(func(s *memory.Store) ResultStore {
		return brokenResults{s.Results()}
	}))
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.lifecycle.Heartbeat(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	n, err := h.lifecycle.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess := h.session(t, token)
	assert.Equal(t, model.SessionStateTerminated, sess.State)
	assert.Equal(t, model.ReasonDeadlineExceeded, sess.Reason())

	// The partial result write is undone with the savepoint.
	_, err = h.gate.Result(ctx, token)
	requireCode(t, err, CodeNotFound)

	_, err = h.lifecycle.Heartbeat(ctx, token, nil)
	requireCode(t, err, CodeSessionTerminated)
}

func TestFailedAutoSubmitOnAccessStillTerminates(t *testing.T) {
	h := newHarness(t, withResults(func(s *memory.Store) ResultStore {
		return brokenResults{s.Results()}
	}))
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.lifecycle.Heartbeat(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.lifecycle.Heartbeat(ctx, token, nil)
	perr := requireCode(t, err, CodeSessionTerminated)
	assert.Equal(t, model.ReasonDeadlineExceeded, perr.Reason)
	assert.Equal(t, model.SessionStateTerminated, h.session(t, token).State)
}

func TestExpiryWithoutBufferedAnswersStoresNoResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	h.clock.Set(quizOpen.Add(time.Hour))
	_, err := h.lifecycle.SweepExpired(ctx, 10)
	require.NoError(t, err)

	_, err = h.gate.Result(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutoSubmitDisabledDiscardsBuffer(t *testing.T) {
	h := newHarness(t, withoutAutoSubmit())
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.lifecycle.Heartbeat(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	require.NoError(t, err)

	h.clock.Set(quizOpen.Add(time.Hour))
	_, err = h.lifecycle.SweepExpired(ctx, 10)
	require.NoError(t, err)

	_, err = h.gate.Result(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublisherFailureDoesNotFailCalls(t *testing.T) {
	h := newHarness(t, withEvents(failingPublisher{}))
	ctx := context.Background()
	token := h.start(t, 5, 9)

	out, err := h.violations.Record(ctx, token, model.ViolationDevTools)
	require.NoError(t, err)
	assert.True(t, out.Terminated)
}

func TestSessionTokenIsDashlessUUID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := newSessionToken()
		require.Len(t, token, 32)
		u, err := uuid.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), u.Version())
		assert.False(t, seen[token])
		seen[token] = true
	}
	assert.Equal(t, "0123abcd", ShortToken("0123abcdef"))
	assert.Equal(t, "short", ShortToken("short"))
}
