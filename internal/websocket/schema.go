package websocket

import "github.com/stemsi/exstem-proctor/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionProgress  Action = "progress"
	ActionHeartbeat Action = "heartbeat"
	ActionViolation Action = "violation"
	ActionSubmit    Action = "submit"
	ActionAbandon   Action = "abandon"
	ActionPing      Action = "ping"
)

// Request is every client message. Category is set for violations, Answers
// for heartbeats and submits. RequestID is echoed back on the reply.
type Request struct {
	Action    Action         `json:"action"`
	RequestID string         `json:"request_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Answers   []model.Answer `json:"answers,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventAck        Event = "ack"
	EventViolation  Event = "violation"
	EventGraded     Event = "graded"
	EventTerminated Event = "terminated"
	EventCompleted  Event = "completed"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// Response is every server message. Data holds the same payload the HTTP
// endpoint would return for the action.
type Response struct {
	Event     Event         `json:"event"`
	RequestID string        `json:"request_id,omitempty"`
	Data      any           `json:"data,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload mirrors the HTTP error body.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// TerminatedPayload is pushed when the session ends outside the client's own request.
type TerminatedPayload struct {
	State  model.SessionState      `json:"state"`
	Reason model.TerminationReason `json:"reason,omitempty"`
	Score  *int                    `json:"score,omitempty"`
}
