package model

import "time"

// AttemptRecord marks (quiz, student) as having consumed its single attempt.
type AttemptRecord struct {
	QuizID       int64     `json:"quiz_id"`
	StudentID    int64     `json:"student_id"`
	SessionToken string    `json:"session_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// RetakeReason explains a can-retake decision.
type RetakeReason string

const (
	RetakeReasonAlreadyAttempted RetakeReason = "ALREADY_ATTEMPTED"
	RetakeReasonNoPriorAttempt   RetakeReason = "NO_PRIOR_ATTEMPT"
)

// RetakeDecision is the response of a can-retake check.
type RetakeDecision struct {
	CanRetake bool         `json:"can_retake"`
	Reason    RetakeReason `json:"reason"`
}
