package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler exposes the quiz session operations to the exam client.
type SessionHandler struct {
	sessions    *service.SessionService
	violations  *service.ViolationService
	submissions *service.SubmissionService
	attempts    *service.AttemptService
	log         zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessions *service.SessionService,
	violations *service.ViolationService,
	submissions *service.SubmissionService,
	attempts *service.AttemptService,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		violations:  violations,
		submissions: submissions,
		attempts:    attempts,
		log:         log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/quiz-sessions/start
// Consumes the caller's single attempt and returns the session token.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	started, err := h.sessions.Start(c.Request.Context(), req.QuizID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, started)
}

// MarkInProgress godoc
// POST /api/v1/quiz-sessions/:token/progress
func (h *SessionHandler) MarkInProgress(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	ack, err := h.sessions.MarkInProgress(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// Heartbeat godoc
// POST /api/v1/quiz-sessions/:token/heartbeat
// Optional body {answers: [...]} is buffered for auto-submit on expiry.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	var req model.HeartbeatRequest
	if fields := validator.BindOptional(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ack, err := h.sessions.Heartbeat(c.Request.Context(), token, req.Answers)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// ReportViolation godoc
// POST /api/v1/quiz-sessions/:token/violations
// Reports against an ended session answer 200 with accepted=false.
func (h *SessionHandler) ReportViolation(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	var req model.ViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	outcome, err := h.violations.Record(c.Request.Context(), token, model.ViolationCategory(req.Category))
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, outcome)
}

// Submit godoc
// POST /api/v1/quiz-sessions/:token/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.submissions.Submit(c.Request.Context(), token, req.Answers)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// Abandon godoc
// POST /api/v1/quiz-sessions/:token/abandon
// Called by the client after the student confirms leaving the quiz.
func (h *SessionHandler) Abandon(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	ack, err := h.sessions.Abandon(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// GetStatus godoc
// GET /api/v1/quiz-sessions/:token/status
func (h *SessionHandler) GetStatus(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	status, err := h.sessions.Status(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, status)
}

// GetResult godoc
// GET /api/v1/quiz-sessions/:token/result
// Returns the graded result, including one auto-submitted on expiry.
func (h *SessionHandler) GetResult(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}

	res, err := h.submissions.Result(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// CanRetake godoc
// GET /api/v1/quiz-sessions/can-retake?quiz_id=
func (h *SessionHandler) CanRetake(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var q model.CanRetakeQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	decision, err := h.attempts.CanRetake(c.Request.Context(), q.QuizID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, decision)
}

// ownedToken returns the path token when it belongs to the caller. Sessions of
// other students are reported as missing so tokens cannot be probed.
func (h *SessionHandler) ownedToken(c *gin.Context) (string, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", false
	}

	token := c.Param("token")
	if token == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}

	sess, err := h.sessions.Get(c.Request.Context(), token)
	if err != nil {
		failService(c, h.log, err)
		return "", false
	}
	if sess.StudentID != claims.UserID {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return "", false
	}
	return token, true
}
