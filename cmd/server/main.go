package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/client"
	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/handler"
	"github.com/gameview/processing/internal/logger"
	"github.com/gameview/processing/internal/middleware"
	"github.com/gameview/processing/internal/progress"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/internal/store"
	redisstore "github.com/gameview/processing/internal/store/redis"
	"github.com/gameview/processing/internal/store/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
		redisUp = false
	}

	st, err := openStore(cfg, redisClient)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job store")
	}
	defer st.Close()

	var broker progress.Broker
	switch cfg.Progress.Broker {
	case "redis":
		if redisUp {
			broker = progress.NewRedisBroker(redisClient)
		}
	case "memory":
		mem := progress.NewMemoryBroker()
		defer mem.Close()
		broker = mem
	}
	channel := progress.New(cfg.Progress, st, broker, log)

	var hook service.CompletionHook
	if cfg.Hooks.CompletionURL != "" {
		hook = client.NewHookClient(&cfg.Hooks)
	}
	notifier := service.NewNotifier(channel, hook, log)
	tokens := service.NewCallbackTokens(cfg.Callback.Secret, cfg.Callback.TokenTTL)

	// Execution strategies
	managed := service.NewManagedStrategy(client.NewModalClient(&cfg.Managed, log), tokens, cfg.Server.PublicURL, log)

	var legacy service.Strategy
	if cfg.Legacy.Enabled {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		legacy = service.NewLegacyStrategy(asynqClient, inspector, cfg.Legacy.TaskTimeout, log)
	}
	chain := service.NewStrategyChain(cfg, managed, legacy)

	// Initialize services
	validate := validator.New()
	dispatcher := service.NewDispatcher(st, chain, notifier, log)
	submitService := service.NewSubmitService(st, dispatcher, validate, cfg.Legacy.MaxRetries, log)
	cancelService := service.NewCancelService(st, notifier, chain, log)
	callbackService := service.NewCallbackService(st, tokens, validate, notifier, log)

	var limiterClient *redis.Client
	if redisUp {
		limiterClient = redisClient
	}
	rateLimiter := middleware.NewRateLimiter(limiterClient)

	streamHandler := handler.NewStreamHandler(channel, st, log)

	app := handler.NewApp()
	handler.Register(app, handler.Routes{
		Processing:  handler.NewProcessingHandler(submitService, dispatcher, cancelService, validate),
		Callback:    handler.NewCallbackHandler(callbackService),
		Stream:      streamHandler,
		Caps:        handler.NewCapabilities(cfg, channel.Mode(), chain),
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		streamHandler.Close()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.WithFields(logrus.Fields{
		"addr":       addr,
		"progress":   channel.Mode(),
		"strategies": len(chain),
	}).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Server error")
	}
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	if cfg.Store.Driver == "redis" {
		return redisstore.New(redisClient, cfg.Store.RedisTTL), nil
	}
	return sqlite.Open(cfg.Store.SQLitePath)
}
