package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AttemptService answers single-attempt questions. Records are written by
// SessionService.Start in the same transaction as the session.
type AttemptService struct {
	attempts AttemptRepository
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptRepository) *AttemptService {
	return &AttemptService{attempts: attempts}
}

// HasAttempted reports whether the pair has consumed its attempt.
func (s *AttemptService) HasAttempted(ctx context.Context, quizID, studentID int64) (bool, error) {
	_, err := s.attempts.Get(ctx, quizID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get attempt: %w", err)
	}
	return true, nil
}

// CanRetake is false whenever an attempt exists, however its session ended.
func (s *AttemptService) CanRetake(ctx context.Context, quizID, studentID int64) (*model.RetakeDecision, error) {
	attempted, err := s.HasAttempted(ctx, quizID, studentID)
	if err != nil {
		return nil, err
	}
	if attempted {
		return &model.RetakeDecision{CanRetake: false, Reason: model.RetakeReasonAlreadyAttempted}, nil
	}
	return &model.RetakeDecision{CanRetake: true, Reason: model.RetakeReasonNoPriorAttempt}, nil
}
