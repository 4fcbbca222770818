package service

import (
	"context"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Transactor runs fn in a single storage transaction carried on ctx.
// WithinSavepoint scopes fn inside the surrounding transaction: an error undoes
// only fn's writes and the outer transaction can still commit.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithinSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// SessionRepository is the Session Store. Transition, Touch and
// IncrementViolation are compare-and-swaps: they return
// repository.ErrStateConflict when the session is not in an expected state.
type SessionRepository interface {
	Create(ctx context.Context, s *model.QuizSession) error
	GetByToken(ctx context.Context, token string) (*model.QuizSession, error)
	Transition(ctx context.Context, token string, from []model.SessionState, to model.SessionState, reason *model.TerminationReason, at time.Time) (*model.QuizSession, error)
	Touch(ctx context.Context, token string, at time.Time) (*model.QuizSession, error)
	IncrementViolation(ctx context.Context, token string, c model.ViolationCategory, at time.Time) (*model.QuizSession, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListByQuiz(ctx context.Context, quizID int64) ([]model.QuizSession, error)
}

// AttemptRepository is the Attempt Registry.
type AttemptRepository interface {
	Insert(ctx context.Context, rec *model.AttemptRecord) error
	Get(ctx context.Context, quizID, studentID int64) (*model.AttemptRecord, error)
}

// ResultStore is write-once per session token.
type ResultStore interface {
	Save(ctx context.Context, res *model.ScoredResult) error
	GetBySession(ctx context.Context, token string) (*model.ScoredResult, error)
	ListByQuiz(ctx context.Context, quizID int64) ([]model.ScoredResult, error)
}

// QuizCatalog provides quiz schedules and answer keys.
type QuizCatalog interface {
	GetQuiz(ctx context.Context, quizID int64) (*model.Quiz, error)
	GetAnswerKey(ctx context.Context, quizID int64) ([]model.Question, error)
}

// AnswerBuffer holds answers reported through heartbeats until the session ends.
type AnswerBuffer interface {
	Save(ctx context.Context, token string, answers []model.Answer, ttl time.Duration) error
	Load(ctx context.Context, token string) ([]model.Answer, error)
	Clear(ctx context.Context, token string) error
}

// EventPublisher delivers events to live listeners. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.SessionEvent) error
	QueueViolation(ctx context.Context, ev model.ViolationEvent) error
}

// Clock returns the current time.
type Clock func() time.Time
