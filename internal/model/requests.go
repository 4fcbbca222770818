package model

import "time"

// StartSessionRequest is the payload for starting a proctored session.
type StartSessionRequest struct {
	QuizID int64 `json:"quiz_id" binding:"required,min=1"`
}

// HeartbeatRequest optionally carries answers to buffer server-side.
type HeartbeatRequest struct {
	Answers []Answer `json:"answers" binding:"omitempty,max=500,dive"`
}

// ViolationRequest reports one violation.
type ViolationRequest struct {
	Category string `json:"category" binding:"required,max=32"`
}

// SubmitRequest carries the final answers.
type SubmitRequest struct {
	Answers []Answer `json:"answers" binding:"max=500,dive"`
}

// CanRetakeQuery is bound from the query string.
type CanRetakeQuery struct {
	QuizID int64 `form:"quiz_id" binding:"required,min=1"`
}

// StartSessionResponse is returned by a successful start.
type StartSessionResponse struct {
	SessionToken string       `json:"session_token"`
	QuizID       int64        `json:"quiz_id"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	DeadlineAt   time.Time    `json:"deadline_at"`
}

// Ack acknowledges progress and heartbeat calls.
type Ack struct {
	State            SessionState `json:"state"`
	RemainingSeconds int64        `json:"remaining_seconds"`
}

// ViolationOutcome is the response of a violation report.
type ViolationOutcome struct {
	Accepted         bool              `json:"accepted"`
	Category         ViolationCategory `json:"category"`
	CountForCategory int               `json:"count_for_category"`
	Terminated       bool              `json:"terminated"`
	Reason           TerminationReason `json:"reason,omitempty"`
	State            SessionState      `json:"state"`
}

// SessionStatus is the read-only view of a session.
type SessionStatus struct {
	SessionToken      string            `json:"session_token"`
	QuizID            int64             `json:"quiz_id"`
	State             SessionState      `json:"state"`
	RemainingSeconds  int64             `json:"remaining_seconds"`
	DeadlineAt        time.Time         `json:"deadline_at"`
	ViolationCounts   ViolationCounts   `json:"violation_counts"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}
