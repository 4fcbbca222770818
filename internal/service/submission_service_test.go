package service

import (
	"context"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitScoresAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	res, err := h.gate.Submit(ctx, token, []model.Answer{
		{QuestionID: 1, Answer: " b "},
		{QuestionID: 2, Answer: "paris, france"},
		{QuestionID: 99, Answer: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Score)
	assert.Equal(t, 3, res.MaxScore)
	assert.Equal(t, 100.0, res.Percentage)
	assert.False(t, res.AutoSubmitted)
	require.Len(t, res.Breakdown, 2)

	sess := h.session(t, token)
	assert.Equal(t, model.SessionStateCompleted, sess.State)
	assert.Nil(t, sess.TerminationReason)

	var completed *model.SessionEvent
	for _, ev := range h.events.Events() {
		if ev.Type == model.EventSessionCompleted {
			completed = &ev
		}
	}
	require.NotNil(t, completed)
	require.NotNil(t, completed.Score)
	assert.Equal(t, 3, *completed.Score)
}

func TestSubmitTwiceReturnsAlreadySubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	first, err := h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}, {QuestionID: 2, Answer: "Paris"}})
	perr := requireCode(t, err, CodeAlreadySubmitted)
	assert.True(t, perr.Terminal())
	require.NotNil(t, perr.Result)
	assert.Equal(t, first, perr.Result)

	stored, err := h.gate.Result(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, first, stored)
}

func TestHeartbeatAfterSubmitIsSessionCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.gate.Submit(ctx, token, nil)
	require.NoError(t, err)

	_, err = h.lifecycle.Heartbeat(ctx, token, nil)
	requireCode(t, err, CodeSessionCompleted)

	out, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.False(t, out.Terminated)
	assert.Equal(t, model.SessionStateCompleted, out.State)
}

func TestSubmitAfterDeadlineIsRejected(t *testing.T) {
	h := newHarness(t, withoutAutoSubmit())
	ctx := context.Background()
	token := h.start(t, 5, 9)

	h.clock.Set(quizOpen.Add(61 * time.Minute))
	_, err := h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	perr := requireCode(t, err, CodeSessionTerminated)
	assert.Equal(t, model.ReasonDeadlineExceeded, perr.Reason)

	_, err = h.gate.Result(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSubmitsScoreOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
			errs <- err
		}()
	}

	ok := 0
	for i := 0; i < callers; i++ {
		if err := <-errs; err == nil {
			ok++
		} else {
			requireCode(t, err, CodeAlreadySubmitted)
		}
	}
	assert.Equal(t, 1, ok)
}
