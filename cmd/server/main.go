package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dashtracer-chat/internal/config"
	"dashtracer-chat/internal/delivery"
	"dashtracer-chat/internal/infrastructure/kafka"
	"dashtracer-chat/internal/infrastructure/redis"
	"dashtracer-chat/internal/observability"
	"dashtracer-chat/internal/relay"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("application recovered from panic", "panic", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()
	cfg := config.LoadConfig()

	logger.Info("starting chat relay",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"redis", cfg.RedisHost+":"+cfg.RedisPort,
		"kafka_brokers", cfg.KafkaBrokers,
		"cors_origins", cfg.GetCORSOrigins())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	opts := []relay.Option{relay.WithMetrics(metrics), relay.WithLogger(logger)}
	if cfg.InstanceID != "" {
		opts = append(opts, relay.WithInstanceID(cfg.InstanceID))
	}

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, presence kept in memory", "error", err)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		logger.Info("redis connection successful")
		opts = append(opts, relay.WithPresenceStore(redisClient))
	}
	cancelPing()

	var producer *kafka.KafkaProducer
	if cfg.KafkaEnabled() {
		producer = kafka.NewKafkaProducer(cfg.KafkaBrokers, logger)
		opts = append(opts, relay.WithPublisher(producer))
	} else {
		logger.Info("kafka disabled, running as a single instance")
	}

	hub := relay.NewHub(opts...)

	var consumer *kafka.KafkaConsumer
	if producer != nil {
		consumer = kafka.NewKafkaConsumer(cfg.KafkaBrokers, "dashtracer-chat-"+hub.InstanceID(), kafka.Topics, hub, logger)
	}

	wsManager := delivery.NewWSManager(hub, logger)
	server := delivery.NewServer(cfg, hub, wsManager, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
		if err := server.Shutdown(); err != nil {
			logger.Error("error shutting down server", "error", err)
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				logger.Error("error closing kafka consumer", "error", err)
			}
		}
		if producer != nil {
			if err := producer.Close(); err != nil {
				logger.Error("error closing kafka producer", "error", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Error("error closing redis client", "error", err)
			}
		}
	}()

	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}

	if err := server.Start(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
