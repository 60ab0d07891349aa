package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fognode/internal/broker"
	kafkabroker "fognode/internal/broker/kafka"
	membroker "fognode/internal/broker/memory"
	natsbroker "fognode/internal/broker/nats"
	rabbitbroker "fognode/internal/broker/rabbitmq"
	"fognode/internal/config"
	"fognode/internal/decode"
	"fognode/internal/health"
	"fognode/internal/pipeline"
	"fognode/internal/telemetry"
	sqlitewh "fognode/internal/warehouse/sqlite"
	"fognode/internal/writer"
)

func main() {
	cfgPath := flag.String("config", "fognode.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("node", cfg.Node.ID)
	slog.SetDefault(logger)

	if cfg.Metrics.StdoutInterval > 0 {
		exporter, err := stdoutmetric.New()
		if err != nil {
			log.Fatalf("metrics exporter: %v", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Metrics.StdoutInterval))))
		otel.SetMeterProvider(provider)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	met, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	store, err := sqlitewh.NewStore(cfg.Warehouse.Path)
	if err != nil {
		log.Fatalf("open warehouse: %v", err)
	}
	defer store.Close()

	dec, err := decode.New(cfg.Broker.Format, cfg.Node.ID)
	if err != nil {
		log.Fatalf("build decoder: %v", err)
	}

	sub, err := newSubscription(cfg, logger)
	if err != nil {
		log.Fatalf("connect broker: %v", err)
	}
	defer sub.Close()

	sup := pipeline.NewSupervisor(pipeline.Config{
		Consumers:             cfg.Pipeline.Consumers,
		MaxBatchSize:          cfg.Pipeline.MaxBatchSize,
		MaxBatchAge:           cfg.Pipeline.MaxBatchAge,
		BackpressureHighWater: cfg.Pipeline.BackpressureHighWater,
		BackpressureLowWater:  cfg.Pipeline.BackpressureLowWater,
		DedupeWindowCapacity:  cfg.Pipeline.DedupeWindowCapacity,
		DedupeShards:          cfg.Pipeline.DedupeShards,
		DrainTimeout:          cfg.Pipeline.DrainTimeout,
	}, sub, dec, store, writer.Config{
		Workers:          cfg.Writer.Workers,
		RetryMaxAttempts: cfg.Writer.RetryMaxAttempts,
		RetryBackoffBase: cfg.Writer.RetryBackoffBase,
		RetryBackoffMax:  cfg.Writer.RetryBackoffMax,
		WriteTimeout:     cfg.Writer.WriteTimeout,
	}, met, logger)

	healthSrv := health.NewServer(cfg.Health.Listen, sup, logger)
	healthErr := healthSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case err := <-healthErr:
			logger.Error("health server failed", "error", err)
			stop()
		case <-ctx.Done():
		}
	}()

	logger.Info("fognoded starting",
		"broker", cfg.Broker.Kind,
		"format", cfg.Broker.Format,
		"warehouse", cfg.Warehouse.Path,
	)

	if err := sup.Run(ctx); err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}

func newSubscription(cfg config.Config, logger *slog.Logger) (broker.Subscription, error) {
	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		return kafkabroker.NewSubscription(kafkabroker.Config{
			Brokers:        cfg.Broker.Kafka.Brokers,
			Topic:          cfg.Broker.Kafka.Topic,
			GroupID:        cfg.Broker.Kafka.GroupID,
			ClientID:       cfg.Broker.Kafka.ClientID,
			MaxPollRecords: cfg.Broker.Kafka.MaxPoll,
			QueueCapacity:  cfg.Broker.Kafka.QueueCapacity,
			FetchMaxWait:   cfg.Broker.Kafka.FetchMaxWait,
		}, logger)
	case config.BrokerRabbitMQ:
		return rabbitbroker.NewSubscription(rabbitbroker.Config{
			URL:           cfg.Broker.RabbitMQ.URL,
			Exchange:      cfg.Broker.RabbitMQ.Exchange,
			Queue:         cfg.Broker.RabbitMQ.Queue,
			RoutingKey:    cfg.Broker.RabbitMQ.RoutingKey,
			ConsumerTag:   cfg.Broker.RabbitMQ.ConsumerTag,
			PrefetchCount: cfg.Broker.RabbitMQ.PrefetchCount,
			Username:      cfg.Broker.RabbitMQ.Username,
			Password:      cfg.Broker.RabbitMQ.Password,
		})
	case config.BrokerNATS:
		return natsbroker.NewSubscription(natsbroker.Config{
			URL:        cfg.Broker.NATS.URL,
			Stream:     cfg.Broker.NATS.Stream,
			Consumer:   cfg.Broker.NATS.Consumer,
			FetchBatch: cfg.Broker.NATS.FetchBatch,
			FetchWait:  cfg.Broker.NATS.FetchWait,
		})
	default:
		return membroker.NewSubscription(membroker.Config{}), nil
	}
}
