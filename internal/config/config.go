package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type NodeConfig struct {
	ID string `mapstructure:"id"`
}

const (
	BrokerMemory   = "memory"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
)

type BrokerConfig struct {
	Kind     string         `mapstructure:"kind"`
	Format   string         `mapstructure:"format"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	GroupID       string        `mapstructure:"group_id"`
	ClientID      string        `mapstructure:"client_id"`
	MaxPoll       int           `mapstructure:"max_poll_records"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	FetchMaxWait  time.Duration `mapstructure:"fetch_max_wait"`
}

type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	Queue         string `mapstructure:"queue"`
	RoutingKey    string `mapstructure:"routing_key"`
	ConsumerTag   string `mapstructure:"consumer_tag"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
}

type NATSConfig struct {
	URL        string        `mapstructure:"url"`
	Stream     string        `mapstructure:"stream"`
	Consumer   string        `mapstructure:"consumer"`
	FetchBatch int           `mapstructure:"fetch_batch"`
	FetchWait  time.Duration `mapstructure:"fetch_wait"`
}

type PipelineConfig struct {
	Consumers             int           `mapstructure:"consumers"`
	MaxBatchSize          int           `mapstructure:"max_batch_size"`
	MaxBatchAge           time.Duration `mapstructure:"max_batch_age"`
	BackpressureHighWater int           `mapstructure:"backpressure_high_water"`
	BackpressureLowWater  int           `mapstructure:"backpressure_low_water"`
	DedupeWindowCapacity  int           `mapstructure:"dedupe_window_capacity"`
	DedupeShards          int           `mapstructure:"dedupe_shards"`
	DrainTimeout          time.Duration `mapstructure:"drain_timeout"`
}

type WriterConfig struct {
	Workers          int           `mapstructure:"workers"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

type WarehouseConfig struct {
	Path string `mapstructure:"path"`
}

type HealthConfig struct {
	Listen string `mapstructure:"listen"`
}

type MetricsConfig struct {
	StdoutInterval time.Duration `mapstructure:"stdout_interval"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("fognode")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node.id", hostname)
	v.SetDefault("broker.kind", BrokerMemory)
	v.SetDefault("broker.format", "json")
	v.SetDefault("broker.kafka.max_poll_records", 500)
	v.SetDefault("broker.kafka.queue_capacity", 1024)
	v.SetDefault("broker.kafka.fetch_max_wait", time.Second)
	v.SetDefault("broker.rabbitmq.prefetch_count", 256)
	v.SetDefault("broker.nats.fetch_batch", 128)
	v.SetDefault("broker.nats.fetch_wait", 2*time.Second)
	v.SetDefault("pipeline.consumers", 4)
	v.SetDefault("pipeline.max_batch_size", 500)
	v.SetDefault("pipeline.max_batch_age", 2*time.Second)
	v.SetDefault("pipeline.backpressure_high_water", 8)
	v.SetDefault("pipeline.backpressure_low_water", 4)
	v.SetDefault("pipeline.dedupe_window_capacity", 65536)
	v.SetDefault("pipeline.dedupe_shards", 16)
	v.SetDefault("pipeline.drain_timeout", 15*time.Second)
	v.SetDefault("writer.workers", 2)
	v.SetDefault("writer.retry_max_attempts", 3)
	v.SetDefault("writer.retry_backoff_base", 200*time.Millisecond)
	v.SetDefault("writer.retry_backoff_max", 5*time.Second)
	v.SetDefault("writer.write_timeout", 10*time.Second)
	v.SetDefault("warehouse.path", "data/warehouse.db")
	v.SetDefault("health.listen", ":8090")
}

func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerKafka:
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
		if c.Broker.Kafka.Topic == "" {
			return fmt.Errorf("broker.kafka.topic is required")
		}
		if c.Broker.Kafka.GroupID == "" {
			return fmt.Errorf("broker.kafka.group_id is required")
		}
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQ.URL == "" {
			return fmt.Errorf("broker.rabbitmq.url is required")
		}
		if c.Broker.RabbitMQ.Queue == "" {
			return fmt.Errorf("broker.rabbitmq.queue is required")
		}
		if c.Broker.RabbitMQ.Exchange == "" {
			return fmt.Errorf("broker.rabbitmq.exchange is required")
		}
	case BrokerNATS:
		if c.Broker.NATS.URL == "" {
			return fmt.Errorf("broker.nats.url is required")
		}
		if c.Broker.NATS.Stream == "" {
			return fmt.Errorf("broker.nats.stream is required")
		}
	default:
		return fmt.Errorf("unsupported broker.kind %q", c.Broker.Kind)
	}
	if c.Pipeline.BackpressureLowWater >= c.Pipeline.BackpressureHighWater {
		return fmt.Errorf("pipeline.backpressure_low_water must be below backpressure_high_water")
	}
	if c.Writer.RetryMaxAttempts < 1 {
		return fmt.Errorf("writer.retry_max_attempts must be >= 1")
	}
	if c.Warehouse.Path == "" {
		return fmt.Errorf("warehouse.path is required")
	}
	return nil
}
