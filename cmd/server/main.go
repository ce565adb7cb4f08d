package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyForge/cache"
	"storyForge/config"
	"storyForge/database"
	"storyForge/handlers"
	"storyForge/kafka"
	"storyForge/middleware"
	"storyForge/models"
	"storyForge/pipeline"
	"storyForge/repository"
	"storyForge/stages"
	"storyForge/validation"
)

func main() {
	godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Service starting",
		zap.String("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
	)

	db, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisCache, err := database.ConnectCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	store := repository.NewPostgresStore(db)
	statusCache := cache.NewStatusCache(redisCache, logger)
	bus := pipeline.NewBus()

	client := openai.NewClient(cfg.OpenAI.APIKey)
	root := cfg.Pipeline.WorkspaceRoot
	executors := []pipeline.Executor{
		stages.NewPromptsExecutor(client, logger, root, cfg.OpenAI.ChatModel,
			cfg.Pipeline.PromptCount, cfg.Pipeline.PromptBatchSize),
		stages.NewImagesExecutor(client, logger, root, cfg.OpenAI.ImageSize,
			cfg.Pipeline.ImageWidth, cfg.Pipeline.ImageHeight, cfg.Pipeline.ImageWorkers),
		stages.NewAudioExecutor(client, logger, root, cfg.OpenAI.Voice),
		stages.NewSubtitlesExecutor(client, logger, root),
	}

	budget := pipeline.NewBudget(pipeline.BudgetConfig{
		MaxProjects: cfg.Pipeline.MaxProjects,
		MaxPerStage: cfg.Pipeline.MaxPerStage,
		StageWorkers: map[models.TaskType]int{
			models.TypeImages: cfg.Pipeline.ImageWorkers,
		},
	})

	scheduler := pipeline.NewScheduler(store, executors, budget, pipeline.DefaultStagePlan(), bus, logger, pipeline.Options{
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		StageTimeouts: cfg.Pipeline.StageTimeouts,
	})
	if err := scheduler.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore task queue", zap.Error(err))
	}

	// Redis mirror of status/progress for the HTTP fast path.
	mirrorEvents, unsubMirror := bus.Subscribe()
	go statusCache.Mirror(ctx, mirrorEvents)

	// Relay bus events to kafka for out-of-process observers.
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.Fatal("Failed to create kafka producer", zap.Error(err))
	}
	relayEvents, unsubRelay := bus.Subscribe()
	go kafka.Relay(ctx, producer, cfg.Kafka.EventsTopic, relayEvents, logger)

	// Generation requests arrive over kafka as well as HTTP.
	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
	if err != nil {
		logger.Fatal("Failed to create kafka consumer", zap.Error(err))
	}
	go func() {
		for ctx.Err() == nil {
			err := consumer.Consume(ctx, cfg.Kafka.RequestsTopic, func(ctx context.Context, req *kafka.GenerateRequest) error {
				stageSet, err := validation.ParseStages(req.Stages)
				if err != nil {
					logger.Warn("Rejected generate request",
						zap.String("project_id", req.ProjectID),
						zap.Error(err),
					)
					return err
				}
				if _, err := scheduler.Generate(ctx, req.ProjectID, stageSet, req.Priority); err != nil {
					logger.Warn("Rejected generate request",
						zap.String("project_id", req.ProjectID),
						zap.Error(err),
					)
					return err
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("Kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	pipelineHandler := handlers.NewPipelineHandler(scheduler, statusCache, logger)
	eventsHandler := handlers.NewEventsHandler(bus, logger)

	mux := http.NewServeMux()
	pipelineHandler.Register(mux)
	mux.HandleFunc("/events", eventsHandler.Stream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler := middleware.TraceID(middleware.Logging(logger)(middleware.Recovery(logger)(mux)))

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown", zap.Error(err))
	}

	if err := consumer.Close(); err != nil {
		logger.Error("Consumer shutdown", zap.Error(err))
	}

	unsubMirror()
	unsubRelay()
	scheduler.Close()

	if err := producer.Close(); err != nil {
		logger.Error("Producer shutdown", zap.Error(err))
	}
}
