package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const defaultViolationLimit = 200

// ViolationAudit reads back the violation audit log.
type ViolationAudit interface {
	ListViolations(ctx context.Context, quizID int64, limit int) ([]model.ViolationEvent, error)
}

// ReportHandler serves graded results and the violation log to proctors.
type ReportHandler struct {
	submissions *service.SubmissionService
	audit       ViolationAudit
	log         zerolog.Logger
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(submissions *service.SubmissionService, audit ViolationAudit, log zerolog.Logger) *ReportHandler {
	return &ReportHandler{
		submissions: submissions,
		audit:       audit,
		log:         log.With().Str("component", "report_handler").Logger(),
	}
}

type violationQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// QuizResults godoc
// GET /api/v1/proctor/quizzes/:quiz_id/results
func (h *ReportHandler) QuizResults(c *gin.Context) {
	quizID, ok := quizParam(c)
	if !ok {
		return
	}

	summary, err := h.submissions.Summary(c.Request.Context(), quizID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

// QuizViolations godoc
// GET /api/v1/proctor/quizzes/:quiz_id/violations?limit=
// Lists accepted violations, newest first.
func (h *ReportHandler) QuizViolations(c *gin.Context) {
	quizID, ok := quizParam(c)
	if !ok {
		return
	}

	var q violationQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultViolationLimit
	}

	events, err := h.audit.ListViolations(c.Request.Context(), quizID, q.Limit)
	if err != nil {
		failInternal(c, h.log, err)
		return
	}
	if events == nil {
		events = []model.ViolationEvent{}
	}
	response.Success(c, http.StatusOK, events)
}

func quizParam(c *gin.Context) (int64, bool) {
	quizID, err := strconv.ParseInt(c.Param("quiz_id"), 10, 64)
	if err != nil || quizID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return quizID, true
}
