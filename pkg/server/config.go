package server

import (
	"fmt"
	"time"

	"github.com/ethpandaops/chain-indexer/pkg/backfill"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/trace"
	"github.com/ethpandaops/chain-indexer/pkg/finality"
	"github.com/ethpandaops/chain-indexer/pkg/pipeline"
	"github.com/ethpandaops/chain-indexer/pkg/redis"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store/postgres"
)

type Config struct {
	// MetricsAddr is the address to listen on for metrics.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// HealthCheckAddr is the address to listen on for healthcheck.
	HealthCheckAddr *string `yaml:"healthCheckAddr"`
	// PProfAddr is the address to listen on for pprof.
	PProfAddr *string `yaml:"pprofAddr"`
	// APIAddr is the address of the admin API. Unset disables it.
	APIAddr *string `yaml:"apiAddr"`
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// Ethereum is the ethereum network configuration.
	Ethereum ethereum.Config `yaml:"ethereum"`
	// Redis backs the queue claimer, the checkpoints, leader election and
	// the backfill task queue.
	Redis *redis.Config `yaml:"redis"`
	// Postgres is the store of record.
	Postgres postgres.Config `yaml:"postgres"`
	// Search is the Elasticsearch configuration.
	Search search.Config `yaml:"search"`
	// Traces selects where internal transactions come from.
	Traces trace.Config `yaml:"traces"`
	// Pipeline configures the stage workers and the claimer.
	Pipeline pipeline.Config `yaml:"pipeline"`
	// Finality configures the block watcher.
	Finality finality.Config `yaml:"finality"`
	// Backfill configures the range importer.
	Backfill BackfillConfig `yaml:"backfill"`
	// MemoryMonitor configures periodic runtime memory reporting.
	MemoryMonitor MemoryMonitorConfig `yaml:"memoryMonitor"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

type BackfillConfig struct {
	// Distributed runs a task worker in every process and sends watcher
	// gaps and API ranges to the task queue. Otherwise watcher gaps are
	// imported in the background by this process.
	Distributed bool `yaml:"distributed" default:"true"`

	backfill.Config `yaml:",inline"`
}

func (c *Config) Validate() error {
	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	if err := c.Ethereum.Validate(); err != nil {
		return fmt.Errorf("invalid ethereum configuration: %w", err)
	}

	if err := c.Postgres.Validate(); err != nil {
		return fmt.Errorf("invalid postgres configuration: %w", err)
	}

	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("invalid search configuration: %w", err)
	}

	if err := c.Traces.Validate(); err != nil {
		return fmt.Errorf("invalid traces configuration: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	if err := c.Finality.Validate(); err != nil {
		return fmt.Errorf("invalid finality configuration: %w", err)
	}

	if err := c.Backfill.Validate(); err != nil {
		return fmt.Errorf("invalid backfill configuration: %w", err)
	}

	if err := c.MemoryMonitor.Validate(); err != nil {
		return fmt.Errorf("invalid memory monitor configuration: %w", err)
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	return nil
}
