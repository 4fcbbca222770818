package model

import (
	"time"
)

// Quiz is the scheduling view of a quiz as published by the catalog.
type Quiz struct {
	ID               int64     `json:"id" yaml:"id"`
	Title            string    `json:"title" yaml:"title"`
	StartAt          time.Time `json:"start_at" yaml:"start_at"`
	EndAt            time.Time `json:"end_at" yaml:"end_at"`
	TimeLimitMinutes *int      `json:"time_limit_minutes,omitempty" yaml:"time_limit_minutes,omitempty"`
}

// TimeLimit returns the per-session limit, or zero when the quiz only has a window.
func (q *Quiz) TimeLimit() time.Duration {
	if q.TimeLimitMinutes == nil || *q.TimeLimitMinutes <= 0 {
		return 0
	}
	return time.Duration(*q.TimeLimitMinutes) * time.Minute
}

// QuestionType enumerates how a question is graded.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
)

// Question is one answer-key entry.
type Question struct {
	ID            int64        `json:"id" yaml:"id"`
	QuizID        int64        `json:"quiz_id" yaml:"-"`
	Text          string       `json:"text" yaml:"text"`
	Type          QuestionType `json:"type" yaml:"type"`
	CorrectAnswer string       `json:"correct_answer" yaml:"correct_answer"`
	Points        int          `json:"points" yaml:"points"`
	OrderIndex    int          `json:"order_index" yaml:"order_index"`
}
