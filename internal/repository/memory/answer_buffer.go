package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type bufferedAnswers struct {
	answers   map[int64]string
	expiresAt time.Time
}

// AnswerBuffer is the in-process counterpart of the Redis answer hash.
type AnswerBuffer struct {
	mu      sync.Mutex
	entries map[string]*bufferedAnswers
	now     func() time.Time
}

// NewAnswerBuffer creates an empty AnswerBuffer.
func NewAnswerBuffer() *AnswerBuffer {
	return &AnswerBuffer{entries: make(map[string]*bufferedAnswers), now: time.Now}
}

func (b *AnswerBuffer) Save(_ context.Context, token string, answers []model.Answer, ttl time.Duration) error {
	if len(answers) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.live(token)
	if e == nil {
		e = &bufferedAnswers{answers: make(map[int64]string)}
		b.entries[token] = e
	}
	for _, a := range answers {
		e.answers[a.QuestionID] = a.Answer
	}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	return nil
}

func (b *AnswerBuffer) Load(_ context.Context, token string) ([]model.Answer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.live(token)
	if e == nil {
		return nil, nil
	}
	out := make([]model.Answer, 0, len(e.answers))
	for id, v := range e.answers {
		out = append(out, model.Answer{QuestionID: id, Answer: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (b *AnswerBuffer) Clear(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, token)
	return nil
}

// live returns the entry for token, dropping it if expired. Caller holds mu.
func (b *AnswerBuffer) live(token string) *bufferedAnswers {
	e, ok := b.entries[token]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		delete(b.entries, token)
		return nil
	}
	return e
}
