package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// EventStream delivers session events published on a channel.
type EventStream interface {
	Subscribe(ctx context.Context, channel string) (<-chan model.SessionEvent, func(), error)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the exam client's session stream.
type WSHandler struct {
	sessions    *service.SessionService
	violations  *service.ViolationService
	submissions *service.SubmissionService
	stream      EventStream
	metrics     *metrics.Metrics
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	sessions *service.SessionService,
	violations *service.ViolationService,
	submissions *service.SubmissionService,
	stream EventStream,
	m *metrics.Metrics,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		sessions:    sessions,
		violations:  violations,
		submissions: submissions,
		stream:      stream,
		metrics:     m,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/quiz-sessions/:token/stream
// Carries the same operations as the HTTP endpoints and pushes a terminated
// event the moment the session ends, including by the expiry sweep.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	token := c.Param("token")
	sess, err := h.sessions.Get(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	if sess.StudentID != claims.UserID {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close(websocket.CloseNormalClosure, "")

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	wsLog := h.log.With().
		Str("session_token", service.ShortToken(token)).
		Int64("quiz_id", sess.QuizID).
		Int64("student_id", sess.StudentID).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if h.stream != nil {
		events, stop, err := h.stream.Subscribe(ctx, config.CacheKey.SessionEventsChannel(token))
		if err != nil {
			wsLog.Warn().Err(err).Msg("Session events unavailable, stream will not push terminations")
		} else {
			defer stop()
			go h.forward(conn, events, wsLog)
		}
	}

	// A session that ended before the client connected is reported at once.
	if sess.State.IsTerminal() {
		_ = conn.WriteTyped(endedResponse(sess))
	}

	for {
		var msg ws.Request
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, conn, token, &msg, wsLog)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, conn *ws.Conn, token string, msg *ws.Request, wsLog zerolog.Logger) {
	var (
		event ws.Event
		data  any
		err   error
	)

	switch msg.Action {
	case ws.ActionPing:
		_ = conn.WriteTyped(ws.Response{Event: ws.EventPong, RequestID: msg.RequestID})
		return
	case ws.ActionProgress:
		event = ws.EventAck
		data, err = h.sessions.MarkInProgress(ctx, token)
	case ws.ActionHeartbeat:
		if h.rejectInvalid(conn, msg.RequestID, model.HeartbeatRequest{Answers: msg.Answers}) {
			return
		}
		event = ws.EventAck
		data, err = h.sessions.Heartbeat(ctx, token, msg.Answers)
	case ws.ActionViolation:
		event = ws.EventViolation
		data, err = h.violations.Record(ctx, token, model.ViolationCategory(msg.Category))
	case ws.ActionSubmit:
		if h.rejectInvalid(conn, msg.RequestID, model.SubmitRequest{Answers: msg.Answers}) {
			return
		}
		event = ws.EventGraded
		data, err = h.submissions.Submit(ctx, token, msg.Answers)
	case ws.ActionAbandon:
		event = ws.EventAck
		data, err = h.sessions.Abandon(ctx, token)
	default:
		wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		_ = conn.WriteError(msg.RequestID, errorPayload(response.ErrInvalidPayload, nil))
		return
	}

	if err != nil {
		e, ok := classify(err)
		if !ok {
			wsLog.Error().Err(err).Str("action", string(msg.Action)).Msg("Stream action failed")
			_ = conn.WriteError(msg.RequestID, errorPayload(response.ErrInternal, nil))
			return
		}
		_ = conn.WriteError(msg.RequestID, errorPayload(e.code, e.details))
		return
	}
	_ = conn.WriteTyped(ws.Response{Event: event, RequestID: msg.RequestID, Data: data})
}

// rejectInvalid applies the HTTP binding rules to a stream payload.
func (h *WSHandler) rejectInvalid(conn *ws.Conn, requestID string, v any) bool {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		fields := validator.TranslateErrors(err)
		_ = conn.WriteError(requestID, errorPayload(response.ErrValidation, map[string]any{"fields": fields}))
		return true
	}
	return false
}

// forward pushes session-ending events published by any replica.
func (h *WSHandler) forward(conn *ws.Conn, events <-chan model.SessionEvent, wsLog zerolog.Logger) {
	for ev := range events {
		if !ev.Ends() {
			continue
		}
		resp := ws.Response{Event: ws.EventTerminated, Data: ws.TerminatedPayload{State: ev.State, Reason: ev.Reason, Score: ev.Score}}
		if ev.Type == model.EventSessionCompleted {
			resp.Event = ws.EventCompleted
		}
		if err := conn.WriteTyped(resp); err != nil {
			wsLog.Debug().Err(err).Msg("Push failed")
			return
		}
	}
}

func endedResponse(sess *model.QuizSession) ws.Response {
	event := ws.EventTerminated
	if sess.State == model.SessionStateCompleted {
		event = ws.EventCompleted
	}
	return ws.Response{Event: event, Data: ws.TerminatedPayload{State: sess.State, Reason: sess.Reason()}}
}

func errorPayload(code response.ErrCode, details map[string]any) ws.ErrorPayload {
	return ws.ErrorPayload{
		Code:      string(code),
		Message:   response.GetMessage(code),
		Retryable: response.Retryable(code),
		Details:   details,
	}
}
