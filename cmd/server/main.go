package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// backend is the storage side chosen by STORE_DRIVER.
type backend struct {
	tx         service.Transactor
	sessions   service.SessionRepository
	attempts   service.AttemptRepository
	results    service.ResultStore
	catalog    service.QuizCatalog
	answers    service.AnswerBuffer
	events     service.EventPublisher
	stream     handler.EventStream
	audit      handler.ViolationAudit
	locker     worker.Locker
	checks     map[string]handler.HealthCheck
	background []func(ctx context.Context)
	close      func()
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.Setup("info", "json")
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Metrics ───────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ─── Storage ───────────────────────────────────────────────────────
	var be *backend
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		be, err = memoryBackend(cfg, log)
	default:
		be, err = postgresBackend(ctx, cfg, log)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer be.close()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret)
	deadlines := service.NewDeadlineService(time.Now)
	sessionService := service.NewSessionService(
		be.tx, be.sessions, be.attempts, be.catalog, be.answers, be.events,
		deadlines, m, cfg.AnswerBufferGrace, log,
	)
	violationService := service.NewViolationService(
		be.tx, be.sessions, sessionService, deadlines,
		service.NewViolationPolicy(cfg.Thresholds), be.events, m, log,
	)
	submissionService := service.NewSubmissionService(sessionService, be.catalog, be.results, be.answers, deadlines, m, log)
	if cfg.AutoSubmitOnExpiry {
		sessionService.SetAutoSubmitter(submissionService)
	}
	attemptService := service.NewAttemptService(be.attempts)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, violationService, submissionService, attemptService, log),
		WS:      handler.NewWSHandler(sessionService, violationService, submissionService, be.stream, m, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(sessionService, be.catalog, be.stream, log),
		Report:  handler.NewReportHandler(submissionService, be.audit, log),
		System:  handler.NewSystemHandler(be.checks, log),
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	run := func(fn func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(workerCtx)
		}()
	}

	sweeper := worker.NewSweepWorker(sessionService, be.locker, cfg.SweepInterval, cfg.SweepBatchSize, log)
	run(sweeper.Start)
	run(limiter.Run)
	for _, fn := range be.background {
		run(fn)
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, router.Deps{
		Log:      log,
		Metrics:  m,
		Gatherer: reg,
		Limiter:  limiter,
	})

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the violation log to flush.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Server exited cleanly")
}

// memoryBackend keeps everything in process. Single replica only.
func memoryBackend(cfg *config.Config, log zerolog.Logger) (*backend, error) {
	catalog := memory.NewCatalog()
	if cfg.QuizSeedFile != "" {
		var err error
		if catalog, err = memory.LoadCatalogFile(cfg.QuizSeedFile); err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.QuizSeedFile).Msg("Quiz catalog loaded")
	} else {
		log.Warn().Msg("No QUIZ_SEED_FILE set, catalog is empty")
	}

	store := memory.NewStore()
	events := memory.NewPublisher()
	return &backend{
		tx:       store,
		sessions: store.Sessions(),
		attempts: store.Attempts(),
		results:  store.Results(),
		catalog:  catalog,
		answers:  memory.NewAnswerBuffer(),
		events:   events,
		stream:   events,
		audit:    events,
		close:    func() {},
	}, nil
}

func postgresBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}

	events := repository.NewEventPublisher(rdb)
	violationRepo := repository.NewViolationEventRepository(pool)
	violationLog := worker.NewViolationLogWorker(violationRepo, rdb, log)

	return &backend{
		tx:         repository.NewTransactor(pool),
		sessions:   repository.NewQuizSessionRepository(pool),
		attempts:   repository.NewQuizAttemptRepository(pool),
		results:    repository.NewQuizResultRepository(pool),
		catalog:    repository.NewCachedCatalog(repository.NewQuizCatalogRepository(pool), rdb, cfg.CatalogCacheTTL, log),
		answers:    repository.NewAnswerBuffer(rdb),
		events:     events,
		stream:     events,
		audit:      violationRepo,
		locker:     repository.NewRedisLocker(rdb, uuid.NewString()),
		checks:     healthChecks(pool, rdb),
		background: []func(ctx context.Context){violationLog.Start},
		close: func() {
			_ = rdb.Close()
			pool.Close()
		},
	}, nil
}

func healthChecks(pool *pgxpool.Pool, rdb *redis.Client) map[string]handler.HealthCheck {
	return map[string]handler.HealthCheck{
		"postgres": pool.Ping,
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
}
