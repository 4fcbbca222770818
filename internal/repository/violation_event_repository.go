package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationEventRepository appends to the violation audit log.
type ViolationEventRepository struct {
	pool *pgxpool.Pool
}

// NewViolationEventRepository creates a new ViolationEventRepository.
func NewViolationEventRepository(pool *pgxpool.Pool) *ViolationEventRepository {
	return &ViolationEventRepository{pool: pool}
}

var violationEventColumns = []string{
	"session_token", "quiz_id", "student_id", "category", "count_after", "terminated", "occurred_at",
}

// BulkInsert writes a batch with the COPY protocol.
func (r *ViolationEventRepository) BulkInsert(ctx context.Context, events []model.ViolationEvent) (int64, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.SessionToken, e.QuizID, e.StudentID, string(e.Category), e.Count, e.Terminated, e.OccurredAt}
	}
	return r.pool.CopyFrom(ctx,
		pgx.Identifier{"quiz_violation_events"},
		violationEventColumns,
		pgx.CopyFromRows(rows),
	)
}

// Insert writes a single event.
func (r *ViolationEventRepository) Insert(ctx context.Context, e model.ViolationEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO quiz_violation_events
		   (session_token, quiz_id, student_id, category, count_after, terminated, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SessionToken, e.QuizID, e.StudentID, string(e.Category), e.Count, e.Terminated, e.OccurredAt)
	return err
}

// ListViolations returns a quiz's audit log, newest first. A positive limit
// caps the result.
func (r *ViolationEventRepository) ListViolations(ctx context.Context, quizID int64, limit int) ([]model.ViolationEvent, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT session_token, quiz_id, student_id, category, count_after, terminated, occurred_at
		 FROM quiz_violation_events
		 WHERE quiz_id = $1
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $2`, quizID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ViolationEvent
	for rows.Next() {
		var (
			e        model.ViolationEvent
			category string
		)
		if err := rows.Scan(&e.SessionToken, &e.QuizID, &e.StudentID, &category, &e.Count, &e.Terminated, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Category = model.ViolationCategory(category)
		out = append(out, e)
	}
	return out, rows.Err()
}
