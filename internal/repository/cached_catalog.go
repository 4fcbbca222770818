package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// CatalogSource is the authoritative quiz catalog behind the cache.
type CatalogSource interface {
	GetQuiz(ctx context.Context, quizID int64) (*model.Quiz, error)
	GetAnswerKey(ctx context.Context, quizID int64) ([]model.Question, error)
}

// CachedCatalog serves quiz schedules and answer keys from Redis, loading
// misses from the source once per key no matter how many students start at
// the same second.
type CachedCatalog struct {
	source CatalogSource
	rdb    *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    zerolog.Logger
}

// NewCachedCatalog creates a new CachedCatalog.
func NewCachedCatalog(source CatalogSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "catalog_cache").Logger(),
	}
}

// GetQuiz returns the cached quiz schedule.
func (c *CachedCatalog) GetQuiz(ctx context.Context, quizID int64) (*model.Quiz, error) {
	var quiz model.Quiz
	err := c.load(ctx, config.CacheKey.QuizPayloadKey(quizID), &quiz, func() (any, error) {
		return c.source.GetQuiz(ctx, quizID)
	})
	if err != nil {
		return nil, err
	}
	return &quiz, nil
}

// GetAnswerKey returns the cached answer key.
func (c *CachedCatalog) GetAnswerKey(ctx context.Context, quizID int64) ([]model.Question, error) {
	var questions []model.Question
	err := c.load(ctx, config.CacheKey.QuizAnswerKey(quizID), &questions, func() (any, error) {
		return c.source.GetAnswerKey(ctx, quizID)
	})
	if err != nil {
		return nil, err
	}
	return questions, nil
}

// Invalidate drops both cache entries of a quiz.
func (c *CachedCatalog) Invalidate(ctx context.Context, quizID int64) error {
	return c.rdb.Del(ctx,
		config.CacheKey.QuizPayloadKey(quizID),
		config.CacheKey.QuizAnswerKey(quizID),
	).Err()
}

func (c *CachedCatalog) load(ctx context.Context, key string, dst any, fetch func() (any, error)) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(data, dst); err == nil {
			return nil
		}
		c.log.Warn().Str("key", key).Msg("Corrupt catalog cache entry, reloading")
	case errors.Is(err, redis.Nil):
	default:
		// Redis outage degrades to the source, never to a failed start.
		c.log.Warn().Err(err).Str("key", key).Msg("Catalog cache read failed")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		fresh, err := fetch()
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(fresh)
		if err != nil {
			return nil, fmt.Errorf("marshal catalog entry: %w", err)
		}
		if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Catalog cache write failed")
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}
