package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// SubmissionService is the submission gate: the only writer of results,
// scoring each session at most once.
type SubmissionService struct {
	lifecycle *SessionService
	catalog   QuizCatalog
	results   ResultStore
	answers   AnswerBuffer
	deadlines *DeadlineService
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(
	lifecycle *SessionService,
	catalog QuizCatalog,
	results ResultStore,
	answers AnswerBuffer,
	deadlines *DeadlineService,
	m *metrics.Metrics,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		lifecycle: lifecycle,
		catalog:   catalog,
		results:   results,
		answers:   answers,
		deadlines: deadlines,
		metrics:   m,
		log:       log.With().Str("component", "submission_gate").Logger(),
	}
}

// Submit grades answers, completes the session and stores the result in one
// transaction.
func (g *SubmissionService) Submit(ctx context.Context, token string, answers []model.Answer) (*model.ScoredResult, error) {
	sess, err := g.lifecycle.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return nil, g.reject(ctx, sess)
	}
	if g.deadlines.IsExpired(sess) {
		cur, _, err := g.lifecycle.Expire(ctx, sess)
		if err != nil {
			return nil, err
		}
		return nil, g.reject(ctx, cur)
	}

	result, err := g.grade(ctx, sess, answers)
	if err != nil {
		return nil, err
	}

	done, err := g.lifecycle.Complete(ctx, token, func(ctx context.Context, _ *model.QuizSession) error {
		return g.results.Save(ctx, result)
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) || errors.Is(err, repository.ErrResultExists) {
			cur, gerr := g.lifecycle.Get(ctx, token)
			if gerr != nil {
				return nil, gerr
			}
			return nil, g.reject(ctx, cur)
		}
		return nil, fmt.Errorf("complete session: %w", err)
	}

	g.metrics.Submission("scored")
	score := result.Score
	g.lifecycle.publish(ctx, model.SessionEvent{
		Type:         model.EventSessionCompleted,
		SessionToken: done.SessionToken,
		QuizID:       done.QuizID,
		StudentID:    done.StudentID,
		State:        done.State,
		Score:        &score,
		OccurredAt:   result.SubmittedAt,
	})
	g.log.Info().
		Str("session_token", ShortToken(token)).
		Int64("quiz_id", done.QuizID).
		Int("score", result.Score).
		Int("max_score", result.MaxScore).
		Msg("Session submitted")

	return result, nil
}

// PrepareAutoSubmit grades the buffered answers of an expiring session.
// It returns nil when nothing was buffered.
func (g *SubmissionService) PrepareAutoSubmit(ctx context.Context, sess *model.QuizSession) (*model.ScoredResult, error) {
	answers, err := g.answers.Load(ctx, sess.SessionToken)
	if err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, nil
	}
	result, err := g.grade(ctx, sess, answers)
	if err != nil {
		return nil, err
	}
	result.AutoSubmitted = true
	return result, nil
}

// SaveAutoSubmit writes a result prepared by PrepareAutoSubmit.
func (g *SubmissionService) SaveAutoSubmit(ctx context.Context, res *model.ScoredResult) error {
	return g.results.Save(ctx, res)
}

// Result returns the stored result of a session.
func (g *SubmissionService) Result(ctx context.Context, token string) (*model.ScoredResult, error) {
	res, err := g.results.GetBySession(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	return res, nil
}

// Summary aggregates every stored result of a quiz for proctors.
func (g *SubmissionService) Summary(ctx context.Context, quizID int64) (*model.QuizResultSummary, error) {
	if _, err := g.catalog.GetQuiz(ctx, quizID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	results, err := g.results.ListByQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	summary := &model.QuizResultSummary{
		QuizID:  quizID,
		Count:   len(results),
		Results: make([]model.StudentScore, 0, len(results)),
	}
	var score, pct float64
	for _, r := range results {
		score += float64(r.Score)
		pct += r.Percentage
		summary.Results = append(summary.Results, model.StudentScore{
			StudentID:     r.StudentID,
			Score:         r.Score,
			MaxScore:      r.MaxScore,
			Percentage:    r.Percentage,
			AutoSubmitted: r.AutoSubmitted,
			SubmittedAt:   r.SubmittedAt,
		})
	}
	if n := float64(len(results)); n > 0 {
		summary.AverageScore = math.Round(score/n*100) / 100
		summary.AveragePercentage = math.Round(pct/n*100) / 100
	}
	return summary, nil
}

func (g *SubmissionService) grade(ctx context.Context, sess *model.QuizSession, answers []model.Answer) (*model.ScoredResult, error) {
	key, err := g.catalog.GetAnswerKey(ctx, sess.QuizID)
	if err != nil {
		return nil, fmt.Errorf("get answer key: %w", err)
	}

	score, maxScore, breakdown := Grade(key, answers)
	return &model.ScoredResult{
		SessionToken: sess.SessionToken,
		QuizID:       sess.QuizID,
		StudentID:    sess.StudentID,
		Score:        score,
		MaxScore:     maxScore,
		Percentage:   Percentage(score, maxScore),
		Breakdown:    breakdown,
		SubmittedAt:  g.deadlines.Now(),
	}, nil
}

// reject explains why a session that is no longer active cannot be submitted.
func (g *SubmissionService) reject(ctx context.Context, sess *model.QuizSession) error {
	switch sess.State {
	case model.SessionStateTerminated:
		g.metrics.Submission("rejected_terminated")
		return &ProctorError{Code: CodeSessionTerminated, Reason: sess.Reason()}
	case model.SessionStateCompleted:
		g.metrics.Submission("rejected_duplicate")
		perr := &ProctorError{Code: CodeAlreadySubmitted}
		if res, err := g.results.GetBySession(ctx, sess.SessionToken); err == nil {
			perr.Result = res
		}
		return perr
	}
	return fmt.Errorf("session %s is %s: %w", ShortToken(sess.SessionToken), sess.State, repository.ErrStateConflict)
}
