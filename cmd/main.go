package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/call"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/fanout"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/logger"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/pipeline"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/queue"
	"github.com/fathima-sithara/realtime-service/internal/ratelimit"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/typing"
	"github.com/fathima-sithara/realtime-service/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zlog, err := logger.New(cfg.App.Env != "production")
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	mc, err := repository.NewMongoClient(initCtx, cfg.Mongo.URI)
	initCancel()
	if err != nil {
		zlog.Fatalw("mongo init", "error", err)
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	db := mc.Database(cfg.Mongo.Database)
	messages := repository.NewMessageRepo(db.Collection("messages"))
	deliveries := repository.NewDeliveryRepo(db.Collection("delivery_statuses"))
	callHistory := repository.NewCallRepo(db.Collection("calls"))
	identity := repository.NewIdentityRepo(db.Collection("users"), db.Collection("group_members"))

	h := hub.New()
	presenceStore := presence.NewStore(rdb, cfg.Redis.Prefix, cfg.PresenceTTL)
	typingStore := typing.NewStore(rdb, cfg.Redis.Prefix, cfg.TypingTTL)
	limiter := ratelimit.New(rdb, cfg.Redis.Prefix, cfg.Limits.MessagesPerWindow, cfg.RateWindow, zlog)

	bridge := fanout.NewBridge(rdb, cfg.Redis.Prefix, h, identity,
		presenceStore.Channel(), typingStore.Channel(), zlog)
	go bridge.Run(ctx)

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMessages)
	defer func() { _ = producer.Close() }()

	pipe := pipeline.New(messages, deliveries, identity, bridge, cfg.EditWindow, zlog)
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.TopicMessages,
		RetryTopic:  cfg.Kafka.TopicRetry,
		DLQTopic:    cfg.Kafka.TopicDLQ,
		GroupID:     cfg.Kafka.GroupID,
		MaxInFlight: cfg.Kafka.MaxInFlight,
		MaxRetries:  cfg.Kafka.MaxRetries,
		BackoffBase: cfg.BackoffBase,
	}, pipe, zlog)
	go consumer.Run(ctx)
	defer func() { _ = consumer.Close() }()

	callStore := call.NewRedisStore(rdb, cfg.Redis.Prefix, cfg.RingTimeout)
	callSvc := call.NewService(callStore, presenceStore, callHistory, bridge, cfg.RingTimeout, zlog)

	handler := ws.NewHandler(ws.HandlerConfig{
		JWTSecret:     cfg.App.JWTSecret,
		PingInterval:  cfg.PingInterval,
		WriteDeadline: cfg.WriteDeadline,
		MaxMsgSize:    cfg.Realtime.MaxMessageSizeBytes,
	}, h, presenceStore, typingStore, limiter, producer, callSvc, identity, zlog)

	app := ws.NewServer(handler, messages, deliveries, presenceStore, typingStore, callHistory, identity, cfg.App.JWTSecret, zlog)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Errorw("metrics listen", "error", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		zlog.Infow("realtime service started", "addr", addr, "env", cfg.App.Env)
		if err := app.Listen(addr); err != nil {
			zlog.Fatalw("server listen", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	zlog.Infow("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = app.ShutdownWithContext(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	zlog.Infow("stopped")
}
