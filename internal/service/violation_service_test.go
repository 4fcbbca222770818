package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevToolsTerminatesOnFirstReport(t *testing.T) {
	h := newHarness(t)
	token := h.start(t, 5, 9)

	out, err := h.violations.Record(context.Background(), token, model.ViolationDevTools)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.True(t, out.Terminated)
	assert.Equal(t, 1, out.CountForCategory)
	assert.Equal(t, model.TerminationReason("VIOLATION_THRESHOLD:DEV_TOOLS"), out.Reason)
	assert.Equal(t, model.SessionStateTerminated, h.session(t, token).State)
}

func TestTabSwitchTerminatesOnThirdReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	for i := 1; i <= 2; i++ {
		out, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.False(t, out.Terminated)
		assert.Equal(t, i, out.CountForCategory)
	}

	out, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.True(t, out.Terminated)
	assert.Equal(t, 3, out.CountForCategory)
}

func TestCopyPasteScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	var last *model.ViolationOutcome
	for i := 0; i < 3; i++ {
		out, err := h.violations.Record(ctx, token, model.ViolationCopyPaste)
		require.NoError(t, err)
		last = out
	}
	assert.True(t, last.Terminated)
	assert.Equal(t, model.TerminationReason("VIOLATION_THRESHOLD:COPY_PASTE"), last.Reason)

	queued, err := h.events.ListViolations(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.True(t, queued[0].Terminated)
}

func TestThresholdsArePerCategory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	for _, c := range []model.ViolationCategory{
		model.ViolationTabSwitch, model.ViolationTabSwitch,
		model.ViolationContextMenu, model.ViolationContextMenu,
		model.ViolationCopyPaste, model.ViolationCopyPaste,
	} {
		out, err := h.violations.Record(ctx, token, c)
		require.NoError(t, err)
		assert.False(t, out.Terminated)
	}
	assert.Equal(t, model.SessionStateStarted, h.session(t, token).State)
}

func TestCamelCaseCategoryIsAccepted(t *testing.T) {
	h := newHarness(t)
	token := h.start(t, 5, 9)

	out, err := h.violations.Record(context.Background(), token, model.ViolationCategory("tabSwitch"))
	require.NoError(t, err)
	assert.Equal(t, model.ViolationTabSwitch, out.Category)
	assert.Equal(t, 1, h.session(t, token).ViolationCounts[model.ViolationTabSwitch])
}

func TestUnknownCategoryIsRejected(t *testing.T) {
	h := newHarness(t)
	token := h.start(t, 5, 9)

	_, err := h.violations.Record(context.Background(), token, model.ViolationCategory("SCREENSHOT"))
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestCallsAfterTerminationLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
	require.NoError(t, err)
	_, err = h.violations.Record(ctx, token, model.ViolationDevTools)
	require.NoError(t, err)
	before := h.session(t, token)

	out, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.True(t, out.Terminated)
	assert.Equal(t, 1, out.CountForCategory)
	assert.Equal(t, model.TerminationReason("VIOLATION_THRESHOLD:DEV_TOOLS"), out.Reason)

	_, err = h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	requireCode(t, err, CodeSessionTerminated)

	_, err = h.lifecycle.Heartbeat(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	requireCode(t, err, CodeSessionTerminated)

	_, err = h.lifecycle.MarkInProgress(ctx, token)
	requireCode(t, err, CodeSessionTerminated)

	assert.Equal(t, before, h.session(t, token))

	_, err = h.gate.Result(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestViolationAfterDeadlineExpiresSession(t *testing.T) {
	h := newHarness(t, withoutAutoSubmit())
	ctx := context.Background()
	token := h.start(t, 5, 9)

	h.clock.Set(quizOpen.Add(time.Hour))
	out, err := h.violations.Record(ctx, token, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.True(t, out.Terminated)
	assert.Equal(t, model.ReasonDeadlineExceeded, out.Reason)
	assert.Zero(t, h.session(t, token).ViolationCounts[model.ViolationTabSwitch])
}

func TestConcurrentDevToolsReportsTerminateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	const reporters = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.violations.Record(ctx, token, model.ViolationDevTools)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, out.Terminated)
			if out.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.session(t, token).ViolationCounts[model.ViolationDevTools])
}

func TestViolationRacingSubmitHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	var wg sync.WaitGroup
	var submitErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, submitErr = h.gate.Submit(ctx, token, []model.Answer{{QuestionID: 1, Answer: "B"}})
	}()
	go func() {
		defer wg.Done()
		_, err := h.violations.Record(ctx, token, model.ViolationDevTools)
		assert.NoError(t, err)
	}()
	wg.Wait()

	sess := h.session(t, token)
	_, resErr := h.gate.Result(ctx, token)
	switch sess.State {
	case model.SessionStateCompleted:
		assert.NoError(t, submitErr)
		assert.NoError(t, resErr)
		assert.Zero(t, sess.ViolationCounts[model.ViolationDevTools])
	case model.SessionStateTerminated:
		requireCode(t, submitErr, CodeSessionTerminated)
		assert.ErrorIs(t, resErr, ErrNotFound)
	default:
		t.Fatalf("unexpected state %s", sess.State)
	}
}

func TestCanRetakeAfterViolationTermination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.start(t, 5, 9)

	_, err := h.violations.Record(ctx, token, model.ViolationDevTools)
	require.NoError(t, err)

	d, err := h.attempts.CanRetake(ctx, 5, 9)
	require.NoError(t, err)
	assert.False(t, d.CanRetake)
	assert.Equal(t, model.RetakeReasonAlreadyAttempted, d.Reason)

	d, err = h.attempts.CanRetake(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, d.CanRetake)
	assert.Equal(t, model.RetakeReasonNoPriorAttempt, d.Reason)
}
