package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `session_token, quiz_id, student_id, state, started_at, last_contact_at,
	deadline_at, ended_at, violation_counts, termination_reason`

// QuizSessionRepository handles quiz session data access.
// Every state change is a compare-and-swap on (session_token, state).
type QuizSessionRepository struct {
	pool *pgxpool.Pool
}

// NewQuizSessionRepository creates a new QuizSessionRepository.
func NewQuizSessionRepository(pool *pgxpool.Pool) *QuizSessionRepository {
	return &QuizSessionRepository{pool: pool}
}

// Create inserts a new session. The partial unique index on active
// (quiz_id, student_id) pairs surfaces as ErrAttemptExists.
func (r *QuizSessionRepository) Create(ctx context.Context, s *model.QuizSession) error {
	counts, err := json.Marshal(s.ViolationCounts)
	if err != nil {
		return fmt.Errorf("marshal violation counts: %w", err)
	}

	_, err = conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO quiz_sessions
		   (session_token, quiz_id, student_id, state, started_at, last_contact_at, deadline_at, violation_counts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.SessionToken, s.QuizID, s.StudentID, s.State, s.StartedAt, s.LastContactAt, s.DeadlineAt, counts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAttemptExists
		}
		return err
	}
	return nil
}

// GetByToken retrieves a session by its token.
func (r *QuizSessionRepository) GetByToken(ctx context.Context, token string) (*model.QuizSession, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM quiz_sessions WHERE session_token = $1`, token)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Transition moves a session from one of the from states to to.
func (r *QuizSessionRepository) Transition(
	ctx context.Context,
	token string,
	from []model.SessionState,
	to model.SessionState,
	reason *model.TerminationReason,
	at time.Time,
) (*model.QuizSession, error) {
	var endedAt *time.Time
	if to.IsTerminal() {
		endedAt = &at
	}
	var reasonStr *string
	if reason != nil {
		if !reason.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidReason, *reason)
		}
		s := string(*reason)
		reasonStr = &s
	}

	row := conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE quiz_sessions
		 SET state = $2,
		     termination_reason = COALESCE($3, termination_reason),
		     ended_at = COALESCE($4, ended_at),
		     last_contact_at = GREATEST(last_contact_at, $5)
		 WHERE session_token = $1 AND state = ANY($6)
		 RETURNING `+sessionColumns,
		token, string(to), reasonStr, endedAt, at, stateNames(from))
	return r.casResult(ctx, token, row)
}

// Touch records client contact on an active session.
func (r *QuizSessionRepository) Touch(ctx context.Context, token string, at time.Time) (*model.QuizSession, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE quiz_sessions
		 SET last_contact_at = GREATEST(last_contact_at, $2)
		 WHERE session_token = $1 AND state = ANY($3)
		 RETURNING `+sessionColumns,
		token, at, stateNames(model.ActiveStates))
	return r.casResult(ctx, token, row)
}

// IncrementViolation adds one to a category counter of an active session.
func (r *QuizSessionRepository) IncrementViolation(ctx context.Context, token string, c model.ViolationCategory, at time.Time) (*model.QuizSession, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE quiz_sessions
		 SET violation_counts = jsonb_set(
		         violation_counts,
		         ARRAY[$2::text],
		         to_jsonb(COALESCE((violation_counts->>($2::text))::int, 0) + 1)),
		     last_contact_at = GREATEST(last_contact_at, $3)
		 WHERE session_token = $1 AND state = ANY($4)
		 RETURNING `+sessionColumns,
		token, string(c), at, stateNames(model.ActiveStates))
	return r.casResult(ctx, token, row)
}

// ListExpired returns tokens of active sessions whose deadline is at or before now.
func (r *QuizSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT session_token FROM quiz_sessions
		 WHERE state = ANY($1) AND deadline_at <= $2
		 ORDER BY deadline_at
		 LIMIT $3`,
		stateNames(model.ActiveStates), now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListByQuiz retrieves every session of a quiz, oldest first.
func (r *QuizSessionRepository) ListByQuiz(ctx context.Context, quizID int64) ([]model.QuizSession, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+sessionColumns+` FROM quiz_sessions WHERE quiz_id = $1 ORDER BY started_at`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.QuizSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// casResult turns a missed compare-and-swap into ErrNotFound or ErrStateConflict.
func (r *QuizSessionRepository) casResult(ctx context.Context, token string, row pgx.Row) (*model.QuizSession, error) {
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quiz_sessions WHERE session_token = $1)`, token,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStateConflict
}

func scanSession(row pgx.Row) (*model.QuizSession, error) {
	var (
		s      model.QuizSession
		state  string
		counts []byte
		reason *string
	)
	if err := row.Scan(
		&s.SessionToken, &s.QuizID, &s.StudentID, &state, &s.StartedAt, &s.LastContactAt,
		&s.DeadlineAt, &s.EndedAt, &counts, &reason,
	); err != nil {
		return nil, err
	}

	s.State = model.SessionState(state)
	s.ViolationCounts = model.NewViolationCounts()
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &s.ViolationCounts); err != nil {
			return nil, fmt.Errorf("unmarshal violation counts: %w", err)
		}
	}
	if reason != nil {
		tr := model.TerminationReason(*reason)
		s.TerminationReason = &tr
	}
	return &s, nil
}

func stateNames(states []model.SessionState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
