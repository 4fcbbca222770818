package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	Report  *handler.ReportHandler
	System  *handler.SystemHandler
}

// Deps carries the shared infrastructure the router wires into middleware.
type Deps struct {
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Limiter  *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	deps Deps,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.AccessLog(deps.Log, deps.Metrics))

	router.GET("/health", handlers.System.Health)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// ─── 1. Quiz Session Group (Student JWT) ───────────────────────────
	sessions := router.Group("/api/v1/quiz-sessions")
	sessions.Use(middleware.RequireStudentJWT(authService))
	{
		sessions.POST("/start", handlers.Session.StartSession)
		sessions.GET("/can-retake", handlers.Session.CanRetake)

		sessions.POST("/:token/progress", handlers.Session.MarkInProgress)
		sessions.POST("/:token/submit", handlers.Session.Submit)
		sessions.POST("/:token/abandon", handlers.Session.Abandon)
		sessions.GET("/:token/status", handlers.Session.GetStatus)
		sessions.GET("/:token/result", handlers.Session.GetResult)

		// Best-effort signals a client may send in bursts.
		limited := sessions.Group("")
		if deps.Limiter != nil {
			limited.Use(deps.Limiter.Middleware())
		}
		limited.POST("/:token/heartbeat", handlers.Session.Heartbeat)
		limited.POST("/:token/violations", handlers.Session.ReportViolation)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/quiz-sessions/:token/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (Proctor JWT) ────────────────────────────────
	proctor := router.Group("/api/v1/proctor")
	proctor.Use(middleware.RequireProctorJWT(authService))
	{
		proctor.GET("/quizzes/:quiz_id/events", handlers.Monitor.ProctorFeed)
		proctor.GET("/quizzes/:quiz_id/results", handlers.Report.QuizResults)
		proctor.GET("/quizzes/:quiz_id/violations", handlers.Report.QuizViolations)
	}

	return router
}
