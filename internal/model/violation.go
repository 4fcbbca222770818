package model

import (
	"strings"
	"time"
)

// ViolationCategory classifies a rule-breaking signal reported by the client.
type ViolationCategory string

const (
	ViolationTabSwitch   ViolationCategory = "TAB_SWITCH"
	ViolationCopyPaste   ViolationCategory = "COPY_PASTE"
	ViolationContextMenu ViolationCategory = "CONTEXT_MENU"
	ViolationDevTools    ViolationCategory = "DEV_TOOLS"
)

// ViolationCategories lists every category in a stable order.
var ViolationCategories = []ViolationCategory{
	ViolationTabSwitch,
	ViolationCopyPaste,
	ViolationContextMenu,
	ViolationDevTools,
}

var categoryAliases = map[string]ViolationCategory{
	"TAB_SWITCH":   ViolationTabSwitch,
	"TABSWITCH":    ViolationTabSwitch,
	"COPY_PASTE":   ViolationCopyPaste,
	"COPYPASTE":    ViolationCopyPaste,
	"CONTEXT_MENU": ViolationContextMenu,
	"CONTEXTMENU":  ViolationContextMenu,
	"DEV_TOOLS":    ViolationDevTools,
	"DEVTOOLS":     ViolationDevTools,
}

// ParseViolationCategory accepts the canonical names and the camelCase ones
// older clients send (tabSwitch, copyPaste, contextMenu, devTools).
func ParseViolationCategory(raw string) (ViolationCategory, bool) {
	c, ok := categoryAliases[strings.ToUpper(strings.TrimSpace(raw))]
	return c, ok
}

// ViolationCounts maps each category to the number of accepted reports.
type ViolationCounts map[ViolationCategory]int

// NewViolationCounts returns counts with every category present at zero.
func NewViolationCounts() ViolationCounts {
	vc := make(ViolationCounts, len(ViolationCategories))
	for _, c := range ViolationCategories {
		vc[c] = 0
	}
	return vc
}

// Clone returns an independent copy, filling in any missing category.
func (vc ViolationCounts) Clone() ViolationCounts {
	out := NewViolationCounts()
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// TerminationReason is the closed set of causes for a TERMINATED session.
type TerminationReason string

const (
	ReasonDeadlineExceeded TerminationReason = "DEADLINE_EXCEEDED"
	ReasonAbandoned        TerminationReason = "ABANDONED"
)

const violationReasonPrefix = "VIOLATION_THRESHOLD:"

// ViolationThresholdReason builds the reason for a category crossing its threshold.
func ViolationThresholdReason(c ViolationCategory) TerminationReason {
	return TerminationReason(violationReasonPrefix + string(c))
}

// Category returns the category of a VIOLATION_THRESHOLD reason.
func (r TerminationReason) Category() (ViolationCategory, bool) {
	s := string(r)
	if !strings.HasPrefix(s, violationReasonPrefix) {
		return "", false
	}
	return ParseViolationCategory(strings.TrimPrefix(s, violationReasonPrefix))
}

// Valid reports whether r belongs to the closed reason set.
func (r TerminationReason) Valid() bool {
	switch r {
	case ReasonDeadlineExceeded, ReasonAbandoned:
		return true
	}
	_, ok := r.Category()
	return ok
}

// ViolationEvent is one accepted violation, queued for the audit log.
type ViolationEvent struct {
	SessionToken string            `json:"session_token"`
	QuizID       int64             `json:"quiz_id"`
	StudentID    int64             `json:"student_id"`
	Category     ViolationCategory `json:"category"`
	Count        int               `json:"count"`
	Terminated   bool              `json:"terminated"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
