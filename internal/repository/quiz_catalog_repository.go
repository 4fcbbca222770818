package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuizCatalogRepository reads quizzes and answer keys owned by the authoring side.
type QuizCatalogRepository struct {
	pool *pgxpool.Pool
}

// NewQuizCatalogRepository creates a new QuizCatalogRepository.
func NewQuizCatalogRepository(pool *pgxpool.Pool) *QuizCatalogRepository {
	return &QuizCatalogRepository{pool: pool}
}

// GetQuiz retrieves a quiz schedule by ID.
func (r *QuizCatalogRepository) GetQuiz(ctx context.Context, quizID int64) (*model.Quiz, error) {
	q := &model.Quiz{}
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, title, start_at, end_at, time_limit_minutes FROM quizzes WHERE id = $1`, quizID,
	).Scan(&q.ID, &q.Title, &q.StartAt, &q.EndAt, &q.TimeLimitMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return q, nil
}

// GetAnswerKey retrieves a quiz's questions with their correct answers.
func (r *QuizCatalogRepository) GetAnswerKey(ctx context.Context, quizID int64) ([]model.Question, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT id, quiz_id, text, type, correct_answer, points, order_index
		 FROM quiz_questions
		 WHERE quiz_id = $1
		 ORDER BY order_index, id`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q     model.Question
			qType string
		)
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Text, &qType, &q.CorrectAnswer, &q.Points, &q.OrderIndex); err != nil {
			return nil, err
		}
		q.Type = model.QuestionType(qType)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Upsert writes a quiz and replaces its answer key. Run it inside
// Transactor.WithinTx so the quiz never appears without its questions.
func (r *QuizCatalogRepository) Upsert(ctx context.Context, quiz model.Quiz, questions []model.Question) error {
	q := conn(ctx, r.pool)
	_, err := q.Exec(ctx,
		`INSERT INTO quizzes (id, title, start_at, end_at, time_limit_minutes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title,
		     start_at = EXCLUDED.start_at,
		     end_at = EXCLUDED.end_at,
		     time_limit_minutes = EXCLUDED.time_limit_minutes`,
		quiz.ID, quiz.Title, quiz.StartAt, quiz.EndAt, quiz.TimeLimitMinutes)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `DELETE FROM quiz_questions WHERE quiz_id = $1`, quiz.ID); err != nil {
		return err
	}
	for _, qs := range questions {
		_, err := q.Exec(ctx,
			`INSERT INTO quiz_questions (id, quiz_id, text, type, correct_answer, points, order_index)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			qs.ID, quiz.ID, qs.Text, string(qs.Type), qs.CorrectAnswer, qs.Points, qs.OrderIndex)
		if err != nil {
			return err
		}
	}
	return nil
}
