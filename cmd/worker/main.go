package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/client"
	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/logger"
	"github.com/gameview/processing/internal/progress"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/internal/store"
	redisstore "github.com/gameview/processing/internal/store/redis"
	"github.com/gameview/processing/internal/store/sqlite"
	"github.com/gameview/processing/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Fatal("Redis not available")
	}

	st, err := openStore(cfg, redisClient)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job store")
	}
	defer st.Close()

	// Only a redis broker reaches API processes; otherwise observers poll
	// the store.
	var broker progress.Broker
	if cfg.Progress.Broker == "redis" {
		broker = progress.NewRedisBroker(redisClient)
	}
	channel := progress.New(cfg.Progress, st, broker, log)

	var hook service.CompletionHook
	if cfg.Hooks.CompletionURL != "" {
		hook = client.NewHookClient(&cfg.Hooks)
	}
	notifier := service.NewNotifier(channel, hook, log)

	reaper := worker.NewReaper(cfg.Reaper, st, notifier, log)
	if err := reaper.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start reaper")
	}
	defer reaper.Stop()

	var srv *asynq.Server
	if cfg.Legacy.Enabled {
		srv, err = startWorkerServer(cfg, st, notifier, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to start legacy worker")
		}
	} else {
		log.Info("Legacy worker disabled, running the reaper only")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...")
	if srv != nil {
		srv.Shutdown()
	}
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	if cfg.Store.Driver == "redis" {
		return redisstore.New(redisClient, cfg.Store.RedisTTL), nil
	}
	return sqlite.Open(cfg.Store.SQLitePath)
}

func startWorkerServer(cfg *config.Config, st store.Store, notifier *service.Notifier, log logrus.FieldLogger) (*asynq.Server, error) {
	storage, err := client.NewStorageClient(&cfg.Storage)
	if err != nil {
		return nil, err
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency:    cfg.Legacy.Concurrency,
			Queues:         service.LegacyQueues,
			RetryDelayFunc: worker.RetryDelay,
			Logger:         logger.AsynqAdapter{Log: log.WithField("component", "asynq")},
		},
	)

	pipeline := worker.NewPipelineWorker(&cfg.Legacy, st, storage, notifier, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeLegacy, pipeline.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return nil, err
	}
	log.WithField("concurrency", cfg.Legacy.Concurrency).Info("Legacy worker started")
	return srv, nil
}
