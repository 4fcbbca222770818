package service

import (
	"math"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Grade scores answers against an answer key. Questions that were not
// answered score zero; answers to unknown questions are ignored. NUL bytes are
// dropped from submitted values since jsonb cannot store them.
func Grade(key []model.Question, answers []model.Answer) (score, maxScore int, breakdown []model.QuestionResult) {
	submitted := make(map[int64]string, len(answers))
	for _, a := range answers {
		submitted[a.QuestionID] = strings.ReplaceAll(a.Answer, "\x00", "")
	}

	breakdown = make([]model.QuestionResult, 0, len(key))
	for _, q := range key {
		points := q.Points
		if points <= 0 {
			points = 1
		}
		maxScore += points

		value, answered := submitted[q.ID]
		correct := answered && isCorrect(q, value)
		awarded := 0
		if correct {
			awarded = points
			score += points
		}
		breakdown = append(breakdown, model.QuestionResult{
			QuestionID:     q.ID,
			SubmittedValue: value,
			Correct:        correct,
			PointsAwarded:  awarded,
			PointsPossible: points,
		})
	}
	return score, maxScore, breakdown
}

func isCorrect(q model.Question, answer string) bool {
	given := strings.ToLower(strings.TrimSpace(answer))
	want := strings.ToLower(strings.TrimSpace(q.CorrectAnswer))
	if given == "" || want == "" {
		return false
	}

	switch q.Type {
	case model.QuestionTypeShortAnswer:
		return given == want || strings.Contains(given, want) || strings.Contains(want, given)
	default:
		return given == want
	}
}

// Percentage rounds to two decimals; zero when nothing is gradable.
func Percentage(score, maxScore int) float64 {
	if maxScore <= 0 {
		return 0
	}
	return math.Round(float64(score)/float64(maxScore)*10000) / 100
}
