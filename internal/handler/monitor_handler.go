package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams a quiz's sessions to proctors.
type MonitorHandler struct {
	sessions *service.SessionService
	catalog  service.QuizCatalog
	stream   EventStream
	log      zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	sessions *service.SessionService,
	catalog service.QuizCatalog,
	stream EventStream,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		sessions: sessions,
		catalog:  catalog,
		stream:   stream,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

type sessionRow struct {
	StudentID         int64                   `json:"student_id"`
	State             model.SessionState      `json:"state"`
	StartedAt         time.Time               `json:"started_at"`
	DeadlineAt        time.Time               `json:"deadline_at"`
	ViolationCounts   model.ViolationCounts   `json:"violation_counts"`
	TerminationReason model.TerminationReason `json:"termination_reason,omitempty"`
}

type quizStats struct {
	Total           int `json:"total"`
	Started         int `json:"started"`
	InProgress      int `json:"in_progress"`
	Completed       int `json:"completed"`
	Terminated      int `json:"terminated"`
	TotalViolations int `json:"total_violations"`
}

type quizSnapshot struct {
	Quiz     *model.Quiz  `json:"quiz"`
	Stats    quizStats    `json:"stats"`
	Sessions []sessionRow `json:"sessions"`
}

// ProctorFeed godoc
// GET /api/v1/proctor/quizzes/:quiz_id/events
// Sends a snapshot of every session of the quiz, then each lifecycle event
// as it happens, with periodic snapshot refreshes.
func (h *MonitorHandler) ProctorFeed(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	quizID, ok := quizParam(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	quiz, err := h.catalog.GetQuiz(reqCtx, quizID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	var events <-chan model.SessionEvent
	if h.stream != nil {
		ch, stop, err := h.stream.Subscribe(reqCtx, config.CacheKey.QuizProctorChannel(quizID))
		if err != nil {
			h.log.Warn().Err(err).Int64("quiz_id", quizID).Msg("Quiz events unavailable, serving snapshots only")
		} else {
			defer stop()
			events = ch
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, quiz)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes while nothing is happening.
	dirty := false

	h.log.Info().Int64("quiz_id", quizID).Int64("proctor_id", claims.UserID).Msg("Proctor attached to live feed")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Int64("quiz_id", quizID).Msg("Proctor detached from live feed")
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.SSEvent("message", gin.H{"type": "event", "data": ev})
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			h.sendSnapshot(c, reqCtx, quiz)
			dirty = false

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, quiz *model.Quiz) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	sessions, err := h.sessions.ListByQuiz(ctx, quiz.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("quiz_id", quiz.ID).Msg("Failed to load sessions for snapshot")
		return
	}

	c.SSEvent("message", gin.H{"type": "snapshot", "data": buildSnapshot(quiz, sessions)})
	c.Writer.Flush()
}

func buildSnapshot(quiz *model.Quiz, sessions []model.QuizSession) quizSnapshot {
	snap := quizSnapshot{Quiz: quiz, Sessions: make([]sessionRow, 0, len(sessions))}
	for _, s := range sessions {
		snap.Stats.Total++
		switch s.State {
		case model.SessionStateStarted:
			snap.Stats.Started++
		case model.SessionStateInProgress:
			snap.Stats.InProgress++
		case model.SessionStateCompleted:
			snap.Stats.Completed++
		case model.SessionStateTerminated:
			snap.Stats.Terminated++
		}
		for _, n := range s.ViolationCounts {
			snap.Stats.TotalViolations += n
		}
		snap.Sessions = append(snap.Sessions, sessionRow{
			StudentID:         s.StudentID,
			State:             s.State,
			StartedAt:         s.StartedAt,
			DeadlineAt:        s.DeadlineAt,
			ViolationCounts:   s.ViolationCounts,
			TerminationReason: s.Reason(),
		})
	}
	return snap
}
