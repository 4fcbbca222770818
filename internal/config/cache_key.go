package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash holding answers buffered through heartbeats.
func (r *CacheKeyStruct) SessionAnswersKey(sessionToken string) string {
	return fmt.Sprintf("session:%s:answers", sessionToken)
}

// SessionEventsChannel returns the Pub/Sub channel a single exam client listens on.
func (r *CacheKeyStruct) SessionEventsChannel(sessionToken string) string {
	return fmt.Sprintf("session:%s:events", sessionToken)
}

// QuizProctorChannel returns the Pub/Sub channel proctors watch for a quiz.
func (r *CacheKeyStruct) QuizProctorChannel(quizID int64) string {
	return fmt.Sprintf("quiz:%d:proctor", quizID)
}

// QuizPayloadKey returns the cache key for a quiz's schedule.
func (r *CacheKeyStruct) QuizPayloadKey(quizID int64) string {
	return fmt.Sprintf("quiz:%d:payload", quizID)
}

// QuizAnswerKey returns the cache key for a quiz's answer key.
func (r *CacheKeyStruct) QuizAnswerKey(quizID int64) string {
	return fmt.Sprintf("quiz:%d:key", quizID)
}

// SweepLockKey returns the lock key that elects the replica running the expiry sweep.
func (r *CacheKeyStruct) SweepLockKey() string {
	return "proctor:sweep:lock"
}

var CacheKey = NewCacheKeyStruct()
