package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"gopkg.in/yaml.v3"
)

// Catalog is a quiz catalog held in memory, seeded from YAML or by tests.
type Catalog struct {
	mu        sync.RWMutex
	quizzes   map[int64]model.Quiz
	questions map[int64][]model.Question
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		quizzes:   make(map[int64]model.Quiz),
		questions: make(map[int64][]model.Question),
	}
}

// Put adds or replaces a quiz and its answer key.
func (c *Catalog) Put(quiz model.Quiz, questions []model.Question) {
	qs := make([]model.Question, len(questions))
	for i, q := range questions {
		q.QuizID = quiz.ID
		qs[i] = q
	}
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].OrderIndex < qs[j].OrderIndex })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quizzes[quiz.ID] = quiz
	c.questions[quiz.ID] = qs
}

// Quizzes returns every quiz ordered by ID.
func (c *Catalog) Quizzes() []model.Quiz {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Quiz, 0, len(c.quizzes))
	for _, q := range c.quizzes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) GetQuiz(_ context.Context, quizID int64) (*model.Quiz, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quizzes[quizID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &q, nil
}

func (c *Catalog) GetAnswerKey(_ context.Context, quizID int64) ([]model.Question, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.quizzes[quizID]; !ok {
		return nil, repository.ErrNotFound
	}
	return append([]model.Question(nil), c.questions[quizID]...), nil
}

type catalogFile struct {
	Quizzes []struct {
		model.Quiz `yaml:",inline"`
		Questions  []model.Question `yaml:"questions"`
	} `yaml:"quizzes"`
}

// LoadCatalogFile reads a YAML seed file:
//
//	quizzes:
//	  - id: 1
//	    title: Algebra
//	    start_at: 2026-01-01T08:00:00Z
//	    end_at: 2026-01-01T10:00:00Z
//	    time_limit_minutes: 45
//	    questions:
//	      - {id: 1, type: MULTIPLE_CHOICE, correct_answer: B, points: 2}
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	c := NewCatalog()
	for _, q := range f.Quizzes {
		if q.ID <= 0 {
			return nil, fmt.Errorf("parse catalog file: quiz without id")
		}
		if !q.EndAt.After(q.StartAt) {
			return nil, fmt.Errorf("parse catalog file: quiz %d ends before it starts", q.ID)
		}
		c.Put(q.Quiz, q.Questions)
	}
	return c, nil
}
