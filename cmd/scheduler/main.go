package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/minisource/distsched/config"
	"github.com/minisource/distsched/internal/database"
	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/handler"
	"github.com/minisource/distsched/internal/router"
	"github.com/minisource/distsched/internal/scheduler"
	"github.com/minisource/distsched/internal/service"
	"github.com/minisource/distsched/internal/store"
	"github.com/minisource/distsched/internal/task"
	"github.com/minisource/distsched/internal/worker"
)

func main() {
	cfg := config.LoadConfig()

	db, err := database.NewPostgresConnection(&cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	leaser := store.NewRedisLeaser(redisClient, cfg.Scheduler.Identity)
	dataStore := store.NewPostgresStore(db, leaser)
	if err := dataStore.AutoMigrate(ctx); err != nil {
		log.Fatalf("failed to auto-migrate: %v", err)
	}

	// broker and dataStore are started/stopped by sched.Start/Stop as part
	// of its own lifecycle sequence, not defer'd here.
	broker := eventbroker.NewLocalBroker()

	registry := task.Default

	var workerRun scheduler.WorkerRunFunc
	if cfg.Scheduler.StartWorker {
		pool := worker.New(worker.Options{
			BatchSize:  cfg.Scheduler.BatchSize,
			ClaimLease: time.Duration(cfg.Scheduler.ClaimLeaseSeconds) * time.Second,
		}, dataStore, broker, registry)
		workerRun = pool.Run
	}

	sched := scheduler.New(scheduler.Options{
		Identity:              cfg.Scheduler.Identity,
		StartWorker:           cfg.Scheduler.StartWorker,
		BatchSize:             cfg.Scheduler.BatchSize,
		ClaimLease:            time.Duration(cfg.Scheduler.ClaimLeaseSeconds) * time.Second,
		StoppedPublishTimeout: cfg.Scheduler.StoppedPublishTimeout,
	}, dataStore, broker, registry, workerRun)

	scheduleService := service.NewScheduleService(sched)
	jobService := service.NewJobService(sched)
	historyService := service.NewHistoryService(sched)

	handlers := &router.Handlers{
		Schedule: handler.NewScheduleHandler(scheduleService),
		Job:      handler.NewJobHandler(jobService),
		History:  handler.NewHistoryHandler(historyService),
		Health:   handler.NewHealthHandler(db, sched),
	}

	app := fiber.New(fiber.Config{
		AppName:      "distsched",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	})
	router.Setup(app, handlers)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("starting distsched on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down distsched...")

	sched.Stop()
	sched.WaitUntilStopped()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("distsched stopped")
}
