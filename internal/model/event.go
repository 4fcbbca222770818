package model

import "time"

// SessionEventType names a lifecycle event pushed to clients and proctors.
type SessionEventType string

const (
	EventSessionStarted    SessionEventType = "session_started"
	EventSessionInProgress SessionEventType = "session_in_progress"
	EventViolation         SessionEventType = "violation"
	EventSessionTerminated SessionEventType = "session_terminated"
	EventSessionCompleted  SessionEventType = "session_completed"
)

// SessionEvent is published on the session and quiz channels.
type SessionEvent struct {
	Type         SessionEventType  `json:"type"`
	SessionToken string            `json:"session_token"`
	QuizID       int64             `json:"quiz_id"`
	StudentID    int64             `json:"student_id"`
	State        SessionState      `json:"state"`
	Category     ViolationCategory `json:"category,omitempty"`
	Count        int               `json:"count,omitempty"`
	Reason       TerminationReason `json:"reason,omitempty"`
	Score        *int              `json:"score,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Ends reports whether the event closes the session.
func (e SessionEvent) Ends() bool {
	return e.Type == EventSessionTerminated || e.Type == EventSessionCompleted
}
