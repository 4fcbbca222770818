package model

import "time"

// Answer is a student's answer to one question.
type Answer struct {
	QuestionID int64  `json:"question_id" binding:"required,min=1"`
	Answer     string `json:"answer" binding:"max=2000"`
}

// QuestionResult is the graded outcome for one question.
type QuestionResult struct {
	QuestionID     int64  `json:"question_id"`
	SubmittedValue string `json:"submitted_answer"`
	Correct        bool   `json:"correct"`
	PointsAwarded  int    `json:"points_awarded"`
	PointsPossible int    `json:"points_possible"`
}

// ScoredResult is what the Submission Gate writes to the Result Store.
type ScoredResult struct {
	SessionToken  string           `json:"session_token"`
	QuizID        int64            `json:"quiz_id"`
	StudentID     int64            `json:"student_id"`
	Score         int              `json:"score"`
	MaxScore      int              `json:"max_score"`
	Percentage    float64          `json:"percentage"`
	Breakdown     []QuestionResult `json:"breakdown"`
	AutoSubmitted bool             `json:"auto_submitted"`
	SubmittedAt   time.Time        `json:"submitted_at"`
}

// Clone returns a deep copy.
func (r *ScoredResult) Clone() *ScoredResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Breakdown != nil {
		out.Breakdown = append(make([]QuestionResult, 0, len(r.Breakdown)), r.Breakdown...)
	}
	return &out
}

// StudentScore is one row of a quiz's result summary.
type StudentScore struct {
	StudentID     int64     `json:"student_id"`
	Score         int       `json:"score"`
	MaxScore      int       `json:"max_score"`
	Percentage    float64   `json:"percentage"`
	AutoSubmitted bool      `json:"auto_submitted"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// QuizResultSummary is the proctor's view of every stored result of a quiz.
type QuizResultSummary struct {
	QuizID            int64          `json:"quiz_id"`
	Count             int            `json:"count"`
	AverageScore      float64        `json:"average_score"`
	AveragePercentage float64        `json:"average_percentage"`
	Results           []StudentScore `json:"results"`
}
