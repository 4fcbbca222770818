package service

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// DeadlineService answers time questions about quizzes and sessions.
// It holds no state beyond the clock.
type DeadlineService struct {
	now Clock
}

// NewDeadlineService creates a DeadlineService. A nil clock means time.Now.
func NewDeadlineService(now Clock) *DeadlineService {
	if now == nil {
		now = time.Now
	}
	return &DeadlineService{now: now}
}

// Now returns the service clock.
func (d *DeadlineService) Now() time.Time {
	return d.now()
}

// InWindow reports whether a session may start at t: start <= t < end.
func (d *DeadlineService) InWindow(q *model.Quiz, t time.Time) bool {
	return !t.Before(q.StartAt) && t.Before(q.EndAt)
}

// DeadlineFor is min(quiz end, start + time limit).
func (d *DeadlineService) DeadlineFor(q *model.Quiz, startedAt time.Time) time.Time {
	deadline := q.EndAt
	if limit := q.TimeLimit(); limit > 0 {
		if byLimit := startedAt.Add(limit); byLimit.Before(deadline) {
			deadline = byLimit
		}
	}
	return deadline
}

// IsExpired reports whether the session's deadline has been reached.
func (d *DeadlineService) IsExpired(s *model.QuizSession) bool {
	return !d.now().Before(s.DeadlineAt)
}

// Remaining returns the time left, never negative.
func (d *DeadlineService) Remaining(s *model.QuizSession) time.Duration {
	left := s.DeadlineAt.Sub(d.now())
	if left < 0 {
		return 0
	}
	return left
}
