package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ErrUnknownCategory is returned for a category outside the fixed set.
var ErrUnknownCategory = errors.New("unknown violation category")

// ViolationService is the violation tracker: it counts reports per category
// and asks the lifecycle manager to terminate once a threshold is reached.
type ViolationService struct {
	tx        Transactor
	sessions  SessionRepository
	lifecycle *SessionService
	deadlines *DeadlineService
	policy    ViolationPolicy
	events    EventPublisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewViolationService creates a new ViolationService.
func NewViolationService(
	tx Transactor,
	sessions SessionRepository,
	lifecycle *SessionService,
	deadlines *DeadlineService,
	policy ViolationPolicy,
	events EventPublisher,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ViolationService {
	return &ViolationService{
		tx:        tx,
		sessions:  sessions,
		lifecycle: lifecycle,
		deadlines: deadlines,
		policy:    policy,
		events:    events,
		metrics:   m,
		log:       log.With().Str("component", "violation_tracker").Logger(),
	}
}

// Record counts one violation. Reports against a session that has already
// ended are not errors: they come back with accepted=false and the frozen state.
func (v *ViolationService) Record(ctx context.Context, token string, category model.ViolationCategory) (*model.ViolationOutcome, error) {
	category, ok := model.ParseViolationCategory(string(category))
	if !ok {
		return nil, ErrUnknownCategory
	}

	sess, err := v.lifecycle.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return v.frozen(sess, category), nil
	}
	if v.deadlines.IsExpired(sess) {
		cur, _, err := v.lifecycle.Expire(ctx, sess)
		if err != nil {
			return nil, err
		}
		return v.frozen(cur, category), nil
	}

	var (
		updated    *model.QuizSession
		terminated bool
	)
	err = v.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = v.sessions.IncrementViolation(ctx, token, category, v.deadlines.Now())
		if err != nil {
			return err
		}
		if !v.policy.Exceeded(category, updated.ViolationCounts[category]) {
			return nil
		}
		updated, err = v.lifecycle.terminateWithin(ctx, token, model.ViolationThresholdReason(category))
		if err != nil {
			return err
		}
		terminated = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// Raced a termination or submit; report the state that won.
			cur, gerr := v.lifecycle.Get(ctx, token)
			if gerr != nil {
				return nil, gerr
			}
			return v.frozen(cur, category), nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record violation: %w", err)
	}

	count := updated.ViolationCounts[category]
	v.metrics.Violation(string(category), true)
	v.afterAccept(ctx, updated, category, count, terminated)
	if terminated {
		v.lifecycle.ended(ctx, updated)
	}

	return &model.ViolationOutcome{
		Accepted:         true,
		Category:         category,
		CountForCategory: count,
		Terminated:       terminated,
		Reason:           updated.Reason(),
		State:            updated.State,
	}, nil
}

func (v *ViolationService) afterAccept(ctx context.Context, sess *model.QuizSession, c model.ViolationCategory, count int, terminated bool) {
	now := v.deadlines.Now()

	if err := v.events.QueueViolation(ctx, model.ViolationEvent{
		SessionToken: sess.SessionToken,
		QuizID:       sess.QuizID,
		StudentID:    sess.StudentID,
		Category:     c,
		Count:        count,
		Terminated:   terminated,
		OccurredAt:   now,
	}); err != nil {
		v.log.Warn().Err(err).Str("session_token", ShortToken(sess.SessionToken)).Msg("Failed to queue violation for audit log")
	}

	v.lifecycle.publish(ctx, model.SessionEvent{
		Type:         model.EventViolation,
		SessionToken: sess.SessionToken,
		QuizID:       sess.QuizID,
		StudentID:    sess.StudentID,
		State:        sess.State,
		Category:     c,
		Count:        count,
		OccurredAt:   now,
	})

	v.log.Debug().
		Str("session_token", ShortToken(sess.SessionToken)).
		Str("category", string(c)).
		Int("count", count).
		Int("threshold", v.policy.Threshold(c)).
		Msg("Violation recorded")
}

func (v *ViolationService) frozen(sess *model.QuizSession, c model.ViolationCategory) *model.ViolationOutcome {
	v.metrics.Violation(string(c), false)
	return &model.ViolationOutcome{
		Accepted:         false,
		Category:         c,
		CountForCategory: sess.ViolationCounts[c],
		Terminated:       sess.State == model.SessionStateTerminated,
		Reason:           sess.Reason(),
		State:            sess.State,
	}
}
