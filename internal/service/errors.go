package service

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrorCode identifies a rejection returned to clients.
type ErrorCode string

const (
	CodeAlreadyAttempted  ErrorCode = "ALREADY_ATTEMPTED"
	CodeOutsideWindow     ErrorCode = "OUTSIDE_WINDOW"
	CodeSessionTerminated ErrorCode = "SESSION_TERMINATED"
	CodeSessionCompleted  ErrorCode = "SESSION_COMPLETED"
	CodeAlreadySubmitted  ErrorCode = "ALREADY_SUBMITTED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
)

// ProctorError is a rejection with enough context for the client to act on it.
// errors.Is matches on Code, so the sentinels below work with wrapped values.
type ProctorError struct {
	Code        ErrorCode
	Reason      model.TerminationReason
	WindowStart *time.Time
	WindowEnd   *time.Time
	Result      *model.ScoredResult
}

var (
	ErrAlreadyAttempted  = &ProctorError{Code: CodeAlreadyAttempted}
	ErrOutsideWindow     = &ProctorError{Code: CodeOutsideWindow}
	ErrSessionTerminated = &ProctorError{Code: CodeSessionTerminated}
	ErrSessionCompleted  = &ProctorError{Code: CodeSessionCompleted}
	ErrAlreadySubmitted  = &ProctorError{Code: CodeAlreadySubmitted}
	ErrNotFound          = &ProctorError{Code: CodeNotFound}
)

func (e *ProctorError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

func (e *ProctorError) Is(target error) bool {
	t, ok := target.(*ProctorError)
	return ok && t.Code == e.Code
}

// Terminal reports whether the error means the attempt is over and must not be retried.
func (e *ProctorError) Terminal() bool {
	switch e.Code {
	case CodeSessionTerminated, CodeSessionCompleted, CodeAlreadySubmitted, CodeAlreadyAttempted:
		return true
	}
	return false
}

func outsideWindow(q *model.Quiz) *ProctorError {
	start, end := q.StartAt, q.EndAt
	return &ProctorError{Code: CodeOutsideWindow, WindowStart: &start, WindowEnd: &end}
}

// endedError maps a terminal session to the rejection for a mutating call.
func endedError(s *model.QuizSession) *ProctorError {
	if s.State == model.SessionStateCompleted {
		return &ProctorError{Code: CodeSessionCompleted}
	}
	return &ProctorError{Code: CodeSessionTerminated, Reason: s.Reason()}
}
