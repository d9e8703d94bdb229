package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/evalpanel/api/internal/client"
	"github.com/evalpanel/api/internal/config"
	"github.com/evalpanel/api/internal/handler"
	"github.com/evalpanel/api/internal/middleware"
	"github.com/evalpanel/api/internal/persona"
	"github.com/evalpanel/api/internal/service"
	"github.com/evalpanel/api/internal/store"
	"github.com/evalpanel/api/internal/worker"
	ws "github.com/evalpanel/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	openaiClient := client.NewOpenAIClient(&cfg.OpenAI)
	elevenClient := client.NewElevenLabsClient(&cfg.ElevenLabs)
	hedraClient := client.NewHedraClient(&cfg.Hedra)
	mediaClient := client.NewMediaClient(&cfg.Media)

	r2Client, err := client.NewR2Client(&cfg.R2)
	if err != nil {
		log.Fatalf("Failed to initialize R2 client: %v", err)
	}

	personas, err := persona.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to build persona registry: %v", err)
	}

	// Initialize store, scheduler, and services
	jobStore := store.NewRedisStore(redisClient)
	scheduler := service.NewScheduler(asynqClient, &cfg.Pipeline)
	completer := service.NewCompletionService(jobStore, scheduler, hub)
	evalService := service.NewEvaluationService(jobStore, r2Client, scheduler, personas, hub, &cfg.Pipeline)

	pipeline := worker.NewPipeline(
		jobStore, r2Client,
		openaiClient, elevenClient, hedraClient, mediaClient,
		scheduler, completer, hub, personas, &cfg.Pipeline,
	)

	// Initialize handlers and middleware
	evalHandler := handler.NewEvaluationHandler(evalService)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"openai":     openaiClient.IsConfigured(),
				"elevenlabs": elevenClient.IsConfigured(),
				"hedra":      hedraClient.IsConfigured(),
				"media":      mediaClient.IsConfigured(),
				"r2":         r2Client.IsConfigured(),
				"redis":      jobStore.Ping(c.Context()) == nil,
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	evaluations := api.Group("/evaluations")
	evaluations.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), evalHandler.Submit)
	evaluations.Get("/:jobId", evalHandler.Get)
	evaluations.Post("/:jobId/recover", rateLimiter.RecoverLimit(cfg.RateLimit.RecoverPerHour), evalHandler.Recover)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, pipeline)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, pipeline *worker.Pipeline) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				service.QueueLLM:   6,
				service.QueueMedia: 4,
			},
			RetryDelayFunc: service.RetryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(exhaustionHandler(pipeline)),
			LogLevel:       asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	pipeline.Register(mux)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

// exhaustionHandler marks tasks and jobs failed once a stage has burned
// through its retry budget, so nothing stays in-flight forever. Handlers
// that fail permanently record the failure themselves; the terminal-status
// check makes the second write a no-op.
func exhaustionHandler(pipeline *worker.Pipeline) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, t *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}

		// A delivery that only ever saw a held lease owns nothing; the lease
		// holder decides the outcome, so the dead-lettered item is dropped
		// without failing the task or job.
		if errors.Is(err, worker.ErrLeaseHeld) {
			log.Printf("Exhausted %s dropped, its lease was held elsewhere", t.Type())
			return
		}

		if t.Type() == service.TypeCombine {
			var payload service.CombinePayload
			if jerr := json.Unmarshal(t.Payload(), &payload); jerr != nil {
				log.Printf("Exhausted combine task has invalid payload: %v", jerr)
				return
			}
			pipeline.MarkJobFailed(ctx, payload.JobID, "combine retries exhausted: "+err.Error())
			return
		}

		var payload service.StagePayload
		if jerr := json.Unmarshal(t.Payload(), &payload); jerr != nil {
			log.Printf("Exhausted task %s has invalid payload: %v", t.Type(), jerr)
			return
		}
		pipeline.MarkTaskFailed(ctx, payload.JobID, payload.TaskID,
			t.Type()+" retries exhausted: "+err.Error())
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
