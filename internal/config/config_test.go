package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("FOGNODE_BROKER_KIND", "memory")

	path := filepath.Join(t.TempDir(), "fognode.yaml")
	content := []byte(`
node:
  id: fog-1
broker:
  kind: kafka
  format: json
  kafka:
    brokers: ["127.0.0.1:9092"]
    topic: sensor-readings
    group_id: fognode
pipeline:
  max_batch_size: 200
  max_batch_age: 500ms
  backpressure_high_water: 6
  backpressure_low_water: 2
writer:
  retry_max_attempts: 5
  retry_backoff_base: 100ms
warehouse:
  path: /tmp/warehouse.db
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("expected env override to select memory broker, got %q", cfg.Broker.Kind)
	}
	if cfg.Pipeline.MaxBatchSize != 200 || cfg.Pipeline.MaxBatchAge != 500*time.Millisecond {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Writer.RetryMaxAttempts != 5 {
		t.Fatalf("writer retries = %d", cfg.Writer.RetryMaxAttempts)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fognode.toml")
	content := []byte(`
[node]
id = "fog-2"

[broker]
kind = "rabbitmq"

[broker.rabbitmq]
url = "amqp://127.0.0.1:5672"
exchange = "sensors"
queue = "fognode"

[warehouse]
path = "/tmp/warehouse.db"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Node.ID != "fog-2" {
		t.Fatalf("unexpected node id: %q", cfg.Node.ID)
	}
	if cfg.Broker.RabbitMQ.PrefetchCount != 256 {
		t.Fatalf("expected default prefetch, got %d", cfg.Broker.RabbitMQ.PrefetchCount)
	}
}

func TestValidateRequiresBrokerSettings(t *testing.T) {
	cfg := Config{
		Node:      NodeConfig{ID: "fog-1"},
		Broker:    BrokerConfig{Kind: BrokerKafka},
		Pipeline:  PipelineConfig{BackpressureHighWater: 8, BackpressureLowWater: 4},
		Writer:    WriterConfig{RetryMaxAttempts: 3},
		Warehouse: WarehouseConfig{Path: "/tmp/warehouse.db"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for kafka without brokers")
	}

	cfg.Broker.Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown broker kind")
	}
}

func TestValidateWaterMarkOrdering(t *testing.T) {
	cfg := Config{
		Node:      NodeConfig{ID: "fog-1"},
		Broker:    BrokerConfig{Kind: BrokerMemory},
		Pipeline:  PipelineConfig{BackpressureHighWater: 4, BackpressureLowWater: 4},
		Writer:    WriterConfig{RetryMaxAttempts: 3},
		Warehouse: WarehouseConfig{Path: "/tmp/warehouse.db"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when low water >= high water")
	}
}
