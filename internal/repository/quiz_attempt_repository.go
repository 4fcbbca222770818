package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuizAttemptRepository is the durable attempt registry.
type QuizAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewQuizAttemptRepository creates a new QuizAttemptRepository.
func NewQuizAttemptRepository(pool *pgxpool.Pool) *QuizAttemptRepository {
	return &QuizAttemptRepository{pool: pool}
}

// Insert records the attempt or returns ErrAttemptExists. Run it in the same
// transaction as the session insert so check and insert are one step.
func (r *QuizAttemptRepository) Insert(ctx context.Context, rec *model.AttemptRecord) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO quiz_attempts (quiz_id, student_id, session_token, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (quiz_id, student_id) DO NOTHING`,
		rec.QuizID, rec.StudentID, rec.SessionToken, rec.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptExists
	}
	return nil
}

// Get retrieves the attempt for a pair.
func (r *QuizAttemptRepository) Get(ctx context.Context, quizID, studentID int64) (*model.AttemptRecord, error) {
	rec := &model.AttemptRecord{}
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT quiz_id, student_id, session_token, created_at
		 FROM quiz_attempts
		 WHERE quiz_id = $1 AND student_id = $2`, quizID, studentID,
	).Scan(&rec.QuizID, &rec.StudentID, &rec.SessionToken, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}
