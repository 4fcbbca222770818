package model

import (
	"time"
)

// SessionState enumerates proctoring session states.
type SessionState string

const (
	SessionStateStarted    SessionState = "STARTED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateCompleted  SessionState = "COMPLETED"
	SessionStateTerminated SessionState = "TERMINATED"
)

// ActiveStates are the states from which a transition is still allowed.
var ActiveStates = []SessionState{SessionStateStarted, SessionStateInProgress}

// IsTerminal reports whether no further transition is allowed.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateCompleted || s == SessionStateTerminated
}

// QuizSession is one attempt in progress or concluded.
type QuizSession struct {
	SessionToken      string             `json:"session_token"`
	QuizID            int64              `json:"quiz_id"`
	StudentID         int64              `json:"student_id"`
	State             SessionState       `json:"state"`
	StartedAt         time.Time          `json:"started_at"`
	LastContactAt     time.Time          `json:"last_contact_at"`
	DeadlineAt        time.Time          `json:"deadline_at"`
	EndedAt           *time.Time         `json:"ended_at,omitempty"`
	ViolationCounts   ViolationCounts    `json:"violation_counts"`
	TerminationReason *TerminationReason `json:"termination_reason,omitempty"`
}

// Clone returns a deep copy safe to hand out of a store.
func (s *QuizSession) Clone() *QuizSession {
	if s == nil {
		return nil
	}
	out := *s
	out.ViolationCounts = s.ViolationCounts.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.TerminationReason != nil {
		r := *s.TerminationReason
		out.TerminationReason = &r
	}
	return &out
}

// Reason returns the termination reason or the empty string.
func (s *QuizSession) Reason() TerminationReason {
	if s.TerminationReason == nil {
		return ""
	}
	return *s.TerminationReason
}
