package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuizResultRepository is the write-once result store.
type QuizResultRepository struct {
	pool *pgxpool.Pool
}

// NewQuizResultRepository creates a new QuizResultRepository.
func NewQuizResultRepository(pool *pgxpool.Pool) *QuizResultRepository {
	return &QuizResultRepository{pool: pool}
}

// Save writes a result once per session token.
func (r *QuizResultRepository) Save(ctx context.Context, res *model.ScoredResult) error {
	breakdown, err := json.Marshal(res.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	tag, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO quiz_results
		   (session_token, quiz_id, student_id, score, max_score, percentage, breakdown, auto_submitted, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_token) DO NOTHING`,
		res.SessionToken, res.QuizID, res.StudentID, res.Score, res.MaxScore, res.Percentage,
		breakdown, res.AutoSubmitted, res.SubmittedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrResultExists
	}
	return nil
}

// GetBySession retrieves the stored result for a session.
func (r *QuizResultRepository) GetBySession(ctx context.Context, token string) (*model.ScoredResult, error) {
	var (
		res       model.ScoredResult
		breakdown []byte
	)
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT session_token, quiz_id, student_id, score, max_score, percentage, breakdown, auto_submitted, submitted_at
		 FROM quiz_results WHERE session_token = $1`, token,
	).Scan(&res.SessionToken, &res.QuizID, &res.StudentID, &res.Score, &res.MaxScore, &res.Percentage,
		&breakdown, &res.AutoSubmitted, &res.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &res.Breakdown); err != nil {
		return nil, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	return &res, nil
}

// ListByQuiz returns every stored result of a quiz in submission order.
// Breakdowns are left out; the summary does not need them.
func (r *QuizResultRepository) ListByQuiz(ctx context.Context, quizID int64) ([]model.ScoredResult, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT session_token, quiz_id, student_id, score, max_score, percentage, auto_submitted, submitted_at
		 FROM quiz_results WHERE quiz_id = $1
		 ORDER BY submitted_at, student_id`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScoredResult
	for rows.Next() {
		var res model.ScoredResult
		if err := rows.Scan(&res.SessionToken, &res.QuizID, &res.StudentID, &res.Score, &res.MaxScore,
			&res.Percentage, &res.AutoSubmitted, &res.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
