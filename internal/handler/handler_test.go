package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stretchr/testify/require"
)

var quizOpen = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
	Meta  response.Metadata   `json:"metadata"`
}

type testEnv struct {
	clock    *clock
	auth     *service.AuthService
	events   *memory.Publisher
	sessions *service.SessionService
	engine   *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  &clock{now: quizOpen.Add(time.Minute)},
		auth:   service.NewAuthService("test-secret"),
		events: memory.NewPublisher(),
	}

	store := memory.NewStore()
	catalog := memory.NewCatalog()
	catalog.Put(model.Quiz{ID: 5, Title: "Geography", StartAt: quizOpen, EndAt: quizOpen.Add(time.Hour)}, []model.Question{
		{ID: 1, Type: model.QuestionTypeMultipleChoice, CorrectAnswer: "B", Points: 2},
		{ID: 2, Type: model.QuestionTypeShortAnswer, CorrectAnswer: "Paris", Points: 1},
	})
	catalog.Put(model.Quiz{ID: 7, Title: "Tomorrow", StartAt: quizOpen.Add(24 * time.Hour), EndAt: quizOpen.Add(25 * time.Hour)}, nil)

	log := zerolog.Nop()
	deadlines := service.NewDeadlineService(env.clock.Now)
	buffer := memory.NewAnswerBuffer()
	env.sessions = service.NewSessionService(store, store.Sessions(), store.Attempts(), catalog, buffer, env.events, deadlines, nil, time.Minute, log)
	violations := service.NewViolationService(store, store.Sessions(), env.sessions, deadlines, service.DefaultViolationPolicy(), env.events, nil, log)
	gate := service.NewSubmissionService(env.sessions, catalog, store.Results(), buffer, deadlines, nil, log)
	env.sessions.SetAutoSubmitter(gate)
	attempts := service.NewAttemptService(store.Attempts())

	sh := NewSessionHandler(env.sessions, violations, gate, attempts, log)
	wh := NewWSHandler(env.sessions, violations, gate, env.events, nil, log, nil)
	mh := NewMonitorHandler(env.sessions, catalog, env.events, log)
	rh := NewReportHandler(gate, env.events, log)

	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	s := r.Group("/api/v1/quiz-sessions", middleware.RequireStudentJWT(env.auth))
	s.POST("/start", sh.StartSession)
	s.GET("/can-retake", sh.CanRetake)
	s.POST("/:token/progress", sh.MarkInProgress)
	s.POST("/:token/heartbeat", sh.Heartbeat)
	s.POST("/:token/violations", sh.ReportViolation)
	s.POST("/:token/submit", sh.Submit)
	s.POST("/:token/abandon", sh.Abandon)
	s.GET("/:token/status", sh.GetStatus)
	s.GET("/:token/result", sh.GetResult)
	r.GET("/ws/v1/quiz-sessions/:token/stream", middleware.RequireStudentWSAuth(env.auth), wh.SessionStream)
	r.GET("/api/v1/proctor/quizzes/:quiz_id/events", middleware.RequireProctorJWT(env.auth), mh.ProctorFeed)
	r.GET("/api/v1/proctor/quizzes/:quiz_id/results", middleware.RequireProctorJWT(env.auth), rh.QuizResults)
	r.GET("/api/v1/proctor/quizzes/:quiz_id/violations", middleware.RequireProctorJWT(env.auth), rh.QuizViolations)
	env.engine = r
	return env
}

func (e *testEnv) token(t *testing.T, typ service.TokenType, userID int64) string {
	t.Helper()
	tok, err := e.auth.IssueToken(typ, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path string, studentID int64, body any) (int, envelope) {
	t.Helper()
	return e.doAs(t, service.TokenTypeStudent, method, path, studentID, body)
}

func (e *testEnv) doAs(t *testing.T, typ service.TokenType, method, path string, userID int64, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token(t, typ, userID))

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (e *testEnv) start(t *testing.T, quizID, studentID int64) string {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/quiz-sessions/start", studentID, gin.H{"quiz_id": quizID})
	require.Equal(t, http.StatusCreated, code)
	var res model.StartSessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.SessionToken
}
