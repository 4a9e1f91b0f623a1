package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashcards-backend/internal/config"
	"flashcards-backend/internal/database"
	"flashcards-backend/internal/handlers"
	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/middleware"
	"flashcards-backend/internal/repository"
	"flashcards-backend/internal/router"
	"flashcards-backend/internal/services"
	"flashcards-backend/internal/websocket"
	"flashcards-backend/internal/worker"
)

// backends groups the storage, queue and fan-out implementations selected by STORE_TYPE.
type backends struct {
	sessions services.SessionStore
	cards    services.CardStore
	usage    services.UsageStore
	plans    services.PlanReader
	prefs    services.PreferencesStore
	queue    worker.Queue
	locker   worker.Locker
	hub      *websocket.Hub
	// publisher is nil when the hub delivers status updates directly.
	publisher services.StatusPublisher
	health    router.HealthCheck
	close     func()
}

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting flashcards backend", "env", cfg.Env, "store", cfg.StoreType)

	// ──── Step 2: Initialize Storage, Queue and Pub/Sub ────
	var b *backends
	switch cfg.StoreType {
	case "memory":
		b = memoryBackends(cfg, log)
	default:
		b, err = postgresBackends(cfg, log)
		if err != nil {
			log.Fatal("storage initialization failed", "error", err)
		}
	}
	defer b.close()

	publisher := b.publisher
	if publisher == nil {
		publisher = b.hub
	}

	// ──── Step 3: Initialize AI Providers ────
	openaiClient := services.NewOpenAIClient(cfg.OpenAIAPIKey, "")

	var text services.TextGenerator
	switch cfg.TextProvider {
	case "openai":
		text = services.NewOpenAITextGenerator(openaiClient, cfg.OpenAITextModel)
		log.Info("text generation via openai", "model", cfg.OpenAITextModel)
	default:
		gemini, err := services.NewGeminiTextGenerator(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs, log)
		if err != nil {
			log.Fatal("gemini client initialization failed", "error", err)
		}
		defer gemini.Close()
		text = gemini
		log.Info("text generation via gemini", "model", cfg.GeminiModel, "concurrency", cfg.GeminiConcurrentReqs)
	}

	// ──── Step 4: Initialize Services ────
	quota := services.NewQuotaGate(b.sessions, b.plans, cfg.QuotaLimits, cfg.QuotaTimezone, log)
	orchestrator := services.NewOrchestrator(services.OrchestratorDeps{
		Sessions:  b.sessions,
		Cards:     b.cards,
		Usage:     b.usage,
		Quota:     quota,
		Text:      text,
		Moderator: services.NewOpenAIModerator(openaiClient),
		Images:    services.NewOpenAIImageGenerator(openaiClient, cfg.OpenAIImageModel, cfg.OpenAIImageSize),
		Costs: services.CostAccountant{
			TextPer1KTokens: cfg.CostTextPer1KTokens,
			PerImage:        cfg.CostPerImage,
		},
		Queue:            b.queue,
		Publisher:        publisher,
		Logger:           log,
		SceneConcurrency: cfg.SceneImageConcurrency,
	})

	// ──── Step 5: Start Job Worker Pool ────
	workerPool := worker.NewPool(b.queue, b.locker, orchestrator, cfg.WorkerCount, log)
	workerPool.Start()
	log.Info("worker pool started", "workers", cfg.WorkerCount)

	reaper := services.NewReaper(b.sessions, publisher, cfg.StaleSessionAfter, log)
	if err := reaper.Start(cfg.ReaperSchedule); err != nil {
		log.Fatal("stale session reaper failed to start", "error", err, "schedule", cfg.ReaperSchedule)
	}
	log.Info("stale session reaper started", "schedule", cfg.ReaperSchedule, "stale_after", cfg.StaleSessionAfter)

	// ──── Step 6: Initialize Handlers ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	generationHandler := handlers.NewGenerationHandler(
		orchestrator,
		b.prefs,
		services.URLDownloadLinker{BaseURL: cfg.DownloadBaseURL},
		cfg.IdempotencyTTL,
		log,
	)
	preferencesHandler := handlers.NewPreferencesHandler(b.prefs, log)
	generateLimiter := middleware.NewRateLimiter(10, time.Minute)

	// ──── Step 7: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		generationHandler,
		preferencesHandler,
		generateLimiter,
		b.hub,
		b.health,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down")
		shutdown(log, server, 30*time.Second, reaper.Stop, workerPool.Stop, generateLimiter.Stop)
		close(done)
	}()

	log.Info("flashcards backend ready",
		"api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port),
		"ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port),
	)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", "error", err)
	}
	// Stores stay open until in-flight pipelines have drained.
	<-done
	log.Info("shutdown complete")
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops accepting requests, then runs each stop func in order.
// It returns once all of them have returned.
func shutdown(log *logger.Logger, server shutdowner, timeout time.Duration, stops ...func()) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	for _, stop := range stops {
		stop()
	}
}

func memoryBackends(cfg *config.Config, log *logger.Logger) *backends {
	store := repository.NewMemoryStore()
	queue := worker.NewChannelQueue(256, log)
	log.Warn("using in-memory storage; sessions and cards are lost on restart")

	return &backends{
		sessions: store,
		cards:    store,
		usage:    store,
		plans:    store,
		prefs:    store,
		queue:    queue,
		locker:   worker.NewMemoryLocker(),
		hub:      websocket.NewHub(nil, cfg.JWTSecret, log),
		close:    queue.Close,
	}
}

func postgresBackends(cfg *config.Config, log *logger.Logger) (*backends, error) {
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info("postgres connected")

	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("redis connected")

	if err := database.RunMigrations(pool, "migrations", log); err != nil {
		redisClients.Close()
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	userRepo := repository.NewUserRepo(pool)
	sessionRepo := repository.NewSessionRepo(pool)

	return &backends{
		sessions:  sessionRepo,
		cards:     repository.NewFlashcardRepo(pool),
		usage:     repository.NewUsageRepo(pool),
		plans:     userRepo,
		prefs:     userRepo,
		queue:     worker.NewRedisQueue(redisClients.Queue, log),
		locker:    worker.NewRedisLocker(redisClients.Queue),
		hub:       websocket.NewHub(redisClients.PubSub, cfg.JWTSecret, log),
		publisher: services.NewRedisPublisher(redisClients.PubSub, log),
		health: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return redisClients.Ping(ctx)
		},
		close: func() {
			redisClients.Close()
			pool.Close()
		},
	}, nil
}
