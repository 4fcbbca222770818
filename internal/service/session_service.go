package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 8

// AutoSubmitter scores buffered answers when a session expires.
// Prepare runs outside the transaction; Save runs inside it.
type AutoSubmitter interface {
	PrepareAutoSubmit(ctx context.Context, sess *model.QuizSession) (*model.ScoredResult, error)
	SaveAutoSubmit(ctx context.Context, res *model.ScoredResult) error
}

// SessionService is the session lifecycle manager and the only writer of a
// session's state field.
type SessionService struct {
	tx        Transactor
	sessions  SessionRepository
	attempts  AttemptRepository
	catalog   QuizCatalog
	answers   AnswerBuffer
	events    EventPublisher
	deadlines *DeadlineService
	metrics   *metrics.Metrics
	log       zerolog.Logger

	answerGrace time.Duration
	autoSubmit  AutoSubmitter
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	tx Transactor,
	sessions SessionRepository,
	attempts AttemptRepository,
	catalog QuizCatalog,
	answers AnswerBuffer,
	events EventPublisher,
	deadlines *DeadlineService,
	m *metrics.Metrics,
	answerGrace time.Duration,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		tx:          tx,
		sessions:    sessions,
		attempts:    attempts,
		catalog:     catalog,
		answers:     answers,
		events:      events,
		deadlines:   deadlines,
		metrics:     m,
		answerGrace: answerGrace,
		log:         log.With().Str("component", "session_lifecycle").Logger(),
	}
}

// SetAutoSubmitter enables best-effort scoring on expiry. Nil disables it.
func (s *SessionService) SetAutoSubmitter(a AutoSubmitter) {
	s.autoSubmit = a
}

// Start consumes the student's single attempt and opens a session.
func (s *SessionService) Start(ctx context.Context, quizID, studentID int64) (*model.StartSessionResponse, error) {
	quiz, err := s.catalog.GetQuiz(ctx, quizID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	if _, err := s.attempts.Get(ctx, quizID, studentID); err == nil {
		return nil, ErrAlreadyAttempted
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	now := s.deadlines.Now()
	if !s.deadlines.InWindow(quiz, now) {
		return nil, outsideWindow(quiz)
	}

	sess := &model.QuizSession{
		SessionToken:    newSessionToken(),
		QuizID:          quizID,
		StudentID:       studentID,
		State:           model.SessionStateStarted,
		StartedAt:       now,
		LastContactAt:   now,
		DeadlineAt:      s.deadlines.DeadlineFor(quiz, now),
		ViolationCounts: model.NewViolationCounts(),
	}

	// The attempt insert is the check: two concurrent starts cannot both insert.
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.attempts.Insert(ctx, &model.AttemptRecord{
			QuizID:       quizID,
			StudentID:    studentID,
			SessionToken: sess.SessionToken,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		return s.sessions.Create(ctx, sess)
	})
	if err != nil {
		if errors.Is(err, repository.ErrAttemptExists) {
			return nil, ErrAlreadyAttempted
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.metrics.SessionStarted()
	s.announce(ctx, sess, model.EventSessionStarted)
	s.sessionLog(sess).Info().Time("deadline_at", sess.DeadlineAt).Msg("Session started")

	return &model.StartSessionResponse{
		SessionToken: sess.SessionToken,
		QuizID:       sess.QuizID,
		State:        sess.State,
		StartedAt:    sess.StartedAt,
		DeadlineAt:   sess.DeadlineAt,
	}, nil
}

// MarkInProgress moves STARTED to IN_PROGRESS. Repeating it is a no-op.
func (s *SessionService) MarkInProgress(ctx context.Context, token string) (*model.Ack, error) {
	sess, err := s.loadActive(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.deadlines.Now()
	if sess.State == model.SessionStateInProgress {
		sess, err = s.sessions.Touch(ctx, token, now)
	} else {
		sess, err = s.sessions.Transition(ctx, token,
			[]model.SessionState{model.SessionStateStarted}, model.SessionStateInProgress, nil, now)
		if err == nil {
			s.announce(ctx, sess, model.EventSessionInProgress)
		}
	}
	if errors.Is(err, repository.ErrStateConflict) {
		// Lost to a concurrent call: fine if it also moved us to IN_PROGRESS.
		if cur, gerr := s.Get(ctx, token); gerr == nil && cur.State == model.SessionStateInProgress {
			return s.ack(cur), nil
		}
	}
	if err != nil {
		return nil, s.rejection(ctx, token, err)
	}
	return s.ack(sess), nil
}

// Heartbeat records contact and buffers any answers the client sent along.
func (s *SessionService) Heartbeat(ctx context.Context, token string, answers []model.Answer) (*model.Ack, error) {
	if _, err := s.loadActive(ctx, token); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Touch(ctx, token, s.deadlines.Now())
	if err != nil {
		return nil, s.rejection(ctx, token, err)
	}

	if len(answers) > 0 {
		ttl := s.deadlines.Remaining(sess) + s.answerGrace
		if err := s.answers.Save(ctx, token, answers, ttl); err != nil {
			// The client resends its full answer set on the next heartbeat.
			s.sessionLog(sess).Warn().Err(err).Msg("Failed to buffer answers")
		}
	}
	return s.ack(sess), nil
}

// Abandon ends the session at the student's explicit request.
func (s *SessionService) Abandon(ctx context.Context, token string) (*model.Ack, error) {
	if _, err := s.loadActive(ctx, token); err != nil {
		return nil, err
	}
	sess, err := s.Terminate(ctx, token, model.ReasonAbandoned)
	if err != nil {
		return nil, err
	}
	return s.ack(sess), nil
}

// Terminate ends an active session with reason.
func (s *SessionService) Terminate(ctx context.Context, token string, reason model.TerminationReason) (*model.QuizSession, error) {
	var ended *model.QuizSession
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		ended, err = s.terminateWithin(ctx, token, reason)
		return err
	})
	if err != nil {
		return nil, s.rejection(ctx, token, err)
	}
	s.ended(ctx, ended)
	return ended, nil
}

// terminateWithin performs the transition only; the caller owns the
// transaction and calls ended after commit.
func (s *SessionService) terminateWithin(ctx context.Context, token string, reason model.TerminationReason) (*model.QuizSession, error) {
	return s.sessions.Transition(ctx, token, model.ActiveStates, model.SessionStateTerminated, &reason, s.deadlines.Now())
}

// Complete moves an active session to COMPLETED and runs write in the same
// transaction. If write fails the session stays active.
func (s *SessionService) Complete(ctx context.Context, token string, write func(ctx context.Context, done *model.QuizSession) error) (*model.QuizSession, error) {
	var done *model.QuizSession
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		done, err = s.sessions.Transition(ctx, token, model.ActiveStates, model.SessionStateCompleted, nil, s.deadlines.Now())
		if err != nil {
			return err
		}
		return write(ctx, done)
	})
	if err != nil {
		return nil, err
	}
	if err := s.answers.Clear(ctx, token); err != nil {
		s.sessionLog(done).Warn().Err(err).Msg("Failed to clear answer buffer")
	}
	return done, nil
}

// Expire terminates sess with DEADLINE_EXCEEDED if its deadline has passed.
// It returns the session as it stands afterwards and whether this call ended it.
func (s *SessionService) Expire(ctx context.Context, sess *model.QuizSession) (*model.QuizSession, bool, error) {
	if sess.State.IsTerminal() || !s.deadlines.IsExpired(sess) {
		return sess, false, nil
	}

	var auto *model.ScoredResult
	if s.autoSubmit != nil {
		var err error
		auto, err = s.autoSubmit.PrepareAutoSubmit(ctx, sess)
		if err != nil {
			s.sessionLog(sess).Warn().Err(err).Msg("Auto-submit skipped")
			auto = nil
		}
	}

	var ended *model.QuizSession
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		ended, err = s.terminateWithin(ctx, sess.SessionToken, model.ReasonDeadlineExceeded)
		if err != nil {
			return err
		}
		if auto == nil {
			return nil
		}
		// A failed result write must not keep the session open.
		err = s.tx.WithinSavepoint(ctx, func(ctx context.Context) error {
			return s.autoSubmit.SaveAutoSubmit(ctx, auto)
		})
		if err != nil {
			if !errors.Is(err, repository.ErrResultExists) {
				s.sessionLog(sess).Warn().Err(err).Msg("Auto-submit result not stored")
			}
			auto = nil
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			cur, gerr := s.Get(ctx, sess.SessionToken)
			if gerr != nil {
				return nil, false, gerr
			}
			return cur, false, nil
		}
		return nil, false, fmt.Errorf("expire session: %w", err)
	}

	if auto != nil {
		s.metrics.Submission("auto_scored")
		if err := s.answers.Clear(ctx, sess.SessionToken); err != nil {
			s.sessionLog(ended).Warn().Err(err).Msg("Failed to clear answer buffer")
		}
	}
	s.ended(ctx, ended)
	return ended, true, nil
}

// SweepExpired terminates up to limit sessions whose deadline has passed.
func (s *SessionService) SweepExpired(ctx context.Context, limit int) (int, error) {
	started := time.Now()
	tokens, err := s.sessions.ListExpired(ctx, s.deadlines.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	var expired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, token := range tokens {
		g.Go(func() error {
			sess, err := s.sessions.GetByToken(gctx, token)
			if err != nil {
				s.log.Warn().Err(err).Str("session_token", ShortToken(token)).Msg("Sweep could not load session")
				return nil
			}
			_, ended, err := s.Expire(gctx, sess)
			if err != nil {
				s.log.Warn().Err(err).Str("session_token", ShortToken(token)).Msg("Sweep could not expire session")
				return nil
			}
			if ended {
				expired.Add(1)
			}
			return gctx.Err()
		})
	}
	err = g.Wait()

	n := int(expired.Load())
	s.metrics.Sweep(time.Since(started), n)
	return n, err
}

// Status is a read-only snapshot; it never transitions the session.
func (s *SessionService) Status(ctx context.Context, token string) (*model.SessionStatus, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	remaining := s.deadlines.Remaining(sess)
	if sess.State.IsTerminal() {
		remaining = 0
	}
	return &model.SessionStatus{
		SessionToken:      sess.SessionToken,
		QuizID:            sess.QuizID,
		State:             sess.State,
		RemainingSeconds:  int64(remaining / time.Second),
		DeadlineAt:        sess.DeadlineAt,
		ViolationCounts:   sess.ViolationCounts,
		TerminationReason: sess.Reason(),
	}, nil
}

// Get returns the session or ErrNotFound.
func (s *SessionService) Get(ctx context.Context, token string) (*model.QuizSession, error) {
	sess, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListByQuiz returns every session of a quiz for the proctor view.
func (s *SessionService) ListByQuiz(ctx context.Context, quizID int64) ([]model.QuizSession, error) {
	sessions, err := s.sessions.ListByQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// loadActive returns an active, unexpired session. An expired one is
// terminated on the spot and the call rejected with DEADLINE_EXCEEDED.
func (s *SessionService) loadActive(ctx context.Context, token string) (*model.QuizSession, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return nil, endedError(sess)
	}
	if s.deadlines.IsExpired(sess) {
		cur, _, err := s.Expire(ctx, sess)
		if err != nil {
			return nil, err
		}
		return nil, endedError(cur)
	}
	return sess, nil
}

// rejection maps a storage error from a mutating call to the client error.
func (s *SessionService) rejection(ctx context.Context, token string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrStateConflict):
		cur, gerr := s.Get(ctx, token)
		if gerr != nil {
			return gerr
		}
		if cur.State.IsTerminal() {
			return endedError(cur)
		}
		return fmt.Errorf("session %s changed concurrently: %w", ShortToken(token), err)
	}
	var perr *ProctorError
	if errors.As(err, &perr) {
		return err
	}
	return fmt.Errorf("update session: %w", err)
}

// ended records metrics and notifies listeners after a committed termination.
func (s *SessionService) ended(ctx context.Context, sess *model.QuizSession) {
	reason := sess.Reason()
	s.metrics.Terminated(string(reason))
	s.announce(ctx, sess, model.EventSessionTerminated)
	s.sessionLog(sess).Info().Str("reason", string(reason)).Msg("Session terminated")
}

func (s *SessionService) announce(ctx context.Context, sess *model.QuizSession, t model.SessionEventType) {
	s.publish(ctx, model.SessionEvent{
		Type:         t,
		SessionToken: sess.SessionToken,
		QuizID:       sess.QuizID,
		StudentID:    sess.StudentID,
		State:        sess.State,
		Reason:       sess.Reason(),
		OccurredAt:   s.deadlines.Now(),
	})
}

func (s *SessionService) publish(ctx context.Context, ev model.SessionEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Str("session_token", ShortToken(ev.SessionToken)).Msg("Failed to publish session event")
	}
}

func (s *SessionService) ack(sess *model.QuizSession) *model.Ack {
	return &model.Ack{
		State:            sess.State,
		RemainingSeconds: int64(s.deadlines.Remaining(sess) / time.Second),
	}
}

func (s *SessionService) sessionLog(sess *model.QuizSession) *zerolog.Logger {
	l := s.log.With().
		Str("session_token", ShortToken(sess.SessionToken)).
		Int64("quiz_id", sess.QuizID).
		Int64("student_id", sess.StudentID).
		Logger()
	return &l
}

// newSessionToken returns a v4 UUID without dashes: 32 hex characters, 122 of
// whose bits are random.
func newSessionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortToken is the log-safe prefix of a session token.
func ShortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
