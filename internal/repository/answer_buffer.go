package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerBuffer keeps the latest answers a client reported through heartbeats,
// one Redis hash per session keyed by question ID.
type AnswerBuffer struct {
	rdb *redis.Client
}

// NewAnswerBuffer creates a new AnswerBuffer.
func NewAnswerBuffer(rdb *redis.Client) *AnswerBuffer {
	return &AnswerBuffer{rdb: rdb}
}

// Save merges answers into the buffer and refreshes its expiry.
func (b *AnswerBuffer) Save(ctx context.Context, token string, answers []model.Answer, ttl time.Duration) error {
	if len(answers) == 0 {
		return nil
	}
	key := config.CacheKey.SessionAnswersKey(token)

	fields := make(map[string]any, len(answers))
	for _, a := range answers {
		fields[strconv.FormatInt(a.QuestionID, 10)] = a.Answer
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer answers: %w", err)
	}
	return nil
}

// Load returns the buffered answers ordered by question ID.
func (b *AnswerBuffer) Load(ctx context.Context, token string) ([]model.Answer, error) {
	raw, err := b.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("load buffered answers: %w", err)
	}

	answers := make([]model.Answer, 0, len(raw))
	for field, value := range raw {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		answers = append(answers, model.Answer{QuestionID: id, Answer: value})
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].QuestionID < answers[j].QuestionID })
	return answers, nil
}

// Clear drops the buffer.
func (b *AnswerBuffer) Clear(ctx context.Context, token string) error {
	return b.rdb.Del(ctx, config.CacheKey.SessionAnswersKey(token)).Err()
}
