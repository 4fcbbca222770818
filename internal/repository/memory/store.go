// Package memory is the STORE_DRIVER=memory backend: sessions, attempts,
// results, answer buffer and catalog held in process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type attemptKey struct {
	quizID    int64
	studentID int64
}

type txKey struct{}

type txState struct {
	undo []func()
}

func (tx *txState) onRollback(f func()) {
	if tx != nil {
		tx.undo = append(tx.undo, f)
	}
}

func (tx *txState) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// Store guards sessions, attempts and results behind one mutex. A transaction
// holds the mutex for its whole duration and is undone in reverse on error.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*model.QuizSession
	attempts map[attemptKey]*model.AttemptRecord
	results  map[string]*model.ScoredResult
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*model.QuizSession),
		attempts: make(map[attemptKey]*model.AttemptRecord),
		results:  make(map[string]*model.ScoredResult),
	}
}

// WithinTx runs fn atomically with respect to every other store call.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txState{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// WithinSavepoint runs fn in a nested undo scope of the current transaction.
// On error only fn's writes are undone; on success they join the outer scope.
func (s *Store) WithinSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	outer, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return s.WithinTx(ctx, fn)
	}

	inner := &txState{}
	if err := fn(context.WithValue(ctx, txKey{}, inner)); err != nil {
		inner.rollback()
		return err
	}
	outer.undo = append(outer.undo, inner.undo...)
	return nil
}

func (s *Store) acquire(ctx context.Context) (*txState, func()) {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		return tx, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

// Sessions returns the session repository view.
func (s *Store) Sessions() *SessionRepository { return &SessionRepository{s: s} }

// Attempts returns the attempt registry view.
func (s *Store) Attempts() *AttemptRepository { return &AttemptRepository{s: s} }

// Results returns the result store view.
func (s *Store) Results() *ResultRepository { return &ResultRepository{s: s} }

type SessionRepository struct{ s *Store }

func (r *SessionRepository) Create(ctx context.Context, sess *model.QuizSession) error {
	tx, release := r.s.acquire(ctx)
	defer release()

	if _, ok := r.s.sessions[sess.SessionToken]; ok {
		return repository.ErrAttemptExists
	}
	for _, other := range r.s.sessions {
		if other.QuizID == sess.QuizID && other.StudentID == sess.StudentID && !other.State.IsTerminal() {
			return repository.ErrAttemptExists
		}
	}

	r.s.sessions[sess.SessionToken] = sess.Clone()
	token := sess.SessionToken
	tx.onRollback(func() { delete(r.s.sessions, token) })
	return nil
}

func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*model.QuizSession, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	sess, ok := r.s.sessions[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sess.Clone(), nil
}

func (r *SessionRepository) Transition(
	ctx context.Context,
	token string,
	from []model.SessionState,
	to model.SessionState,
	reason *model.TerminationReason,
	at time.Time,
) (*model.QuizSession, error) {
	if reason != nil && !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidReason, *reason)
	}
	return r.mutate(ctx, token, from, func(sess *model.QuizSession) {
		sess.State = to
		if reason != nil {
			rc := *reason
			sess.TerminationReason = &rc
		}
		if to.IsTerminal() {
			ended := at
			sess.EndedAt = &ended
		}
		if at.After(sess.LastContactAt) {
			sess.LastContactAt = at
		}
	})
}

func (r *SessionRepository) Touch(ctx context.Context, token string, at time.Time) (*model.QuizSession, error) {
	return r.mutate(ctx, token, model.ActiveStates, func(sess *model.QuizSession) {
		if at.After(sess.LastContactAt) {
			sess.LastContactAt = at
		}
	})
}

func (r *SessionRepository) IncrementViolation(ctx context.Context, token string, c model.ViolationCategory, at time.Time) (*model.QuizSession, error) {
	return r.mutate(ctx, token, model.ActiveStates, func(sess *model.QuizSession) {
		sess.ViolationCounts[c]++
		if at.After(sess.LastContactAt) {
			sess.LastContactAt = at
		}
	})
}

func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	var expired []*model.QuizSession
	for _, sess := range r.s.sessions {
		if !sess.State.IsTerminal() && !now.Before(sess.DeadlineAt) {
			expired = append(expired, sess)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeadlineAt.Before(expired[j].DeadlineAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	tokens := make([]string, len(expired))
	for i, sess := range expired {
		tokens[i] = sess.SessionToken
	}
	return tokens, nil
}

func (r *SessionRepository) ListByQuiz(ctx context.Context, quizID int64) ([]model.QuizSession, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	var out []model.QuizSession
	for _, sess := range r.s.sessions {
		if sess.QuizID == quizID {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// mutate is the compare-and-swap shared by every state-changing call.
func (r *SessionRepository) mutate(ctx context.Context, token string, from []model.SessionState, apply func(*model.QuizSession)) (*model.QuizSession, error) {
	tx, release := r.s.acquire(ctx)
	defer release()

	sess, ok := r.s.sessions[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !stateIn(sess.State, from) {
		return nil, repository.ErrStateConflict
	}

	prev := sess.Clone()
	next := sess.Clone()
	apply(next)
	r.s.sessions[token] = next
	tx.onRollback(func() { r.s.sessions[token] = prev })
	return next.Clone(), nil
}

func stateIn(s model.SessionState, set []model.SessionState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

type AttemptRepository struct{ s *Store }

func (r *AttemptRepository) Insert(ctx context.Context, rec *model.AttemptRecord) error {
	tx, release := r.s.acquire(ctx)
	defer release()

	key := attemptKey{rec.QuizID, rec.StudentID}
	if _, ok := r.s.attempts[key]; ok {
		return repository.ErrAttemptExists
	}
	cp := *rec
	r.s.attempts[key] = &cp
	tx.onRollback(func() { delete(r.s.attempts, key) })
	return nil
}

func (r *AttemptRepository) Get(ctx context.Context, quizID, studentID int64) (*model.AttemptRecord, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	rec, ok := r.s.attempts[attemptKey{quizID, studentID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

type ResultRepository struct{ s *Store }

func (r *ResultRepository) Save(ctx context.Context, res *model.ScoredResult) error {
	tx, release := r.s.acquire(ctx)
	defer release()

	if _, ok := r.s.results[res.SessionToken]; ok {
		return repository.ErrResultExists
	}
	r.s.results[res.SessionToken] = res.Clone()
	token := res.SessionToken
	tx.onRollback(func() { delete(r.s.results, token) })
	return nil
}

func (r *ResultRepository) GetBySession(ctx context.Context, token string) (*model.ScoredResult, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	res, ok := r.s.results[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return res.Clone(), nil
}

func (r *ResultRepository) ListByQuiz(ctx context.Context, quizID int64) ([]model.ScoredResult, error) {
	_, release := r.s.acquire(ctx)
	defer release()

	var out []model.ScoredResult
	for _, res := range r.s.results {
		if res.QuizID == quizID {
			out = append(out, *res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}
