package pipeline

import (
	"fmt"
	"time"
)

const (
	BackendRowLock = "rowlock"
	BackendQueue   = "queue"
)

// Worker names, also used as claim roles and metric labels.
const (
	WorkerBlockDownloader       = "block_downloader"
	WorkerTransactionDownloader = "transaction_downloader"
	WorkerInternalDownloader    = "internal_transaction_downloader"
	WorkerAddressDownloader     = "address_downloader"
	WorkerBlockIndexer          = "block_indexer"
	WorkerTransactionIndexer    = "transaction_indexer"
	WorkerAddressIndexer        = "address_indexer"
)

var defaultBatchSizes = map[string]int{
	WorkerBlockDownloader:       20,
	WorkerTransactionDownloader: 50,
	WorkerInternalDownloader:    5,
	WorkerAddressDownloader:     50,
	WorkerBlockIndexer:          50,
	WorkerTransactionIndexer:    200,
	WorkerAddressIndexer:        200,
}

// WorkerConfig controls one kind of StageWorker.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
	// Records claimed per iteration. Zero picks the worker's default.
	BatchSize int `yaml:"batchSize"`
	// Records processed in parallel within a batch (default: 10)
	Concurrency int `yaml:"concurrency"`
	// Independent loops of this worker in the process (default: 1)
	Instances int `yaml:"instances"`
}

// ClaimerConfig selects the claim backend and its lock hygiene.
type ClaimerConfig struct {
	// Backend is rowlock (postgres) or queue (redis).
	Backend string `yaml:"backend" default:"rowlock"`
	// Claims not refreshed for this long are swept (default: 5m)
	LockTTL time.Duration `yaml:"lockTTL" default:"5m"`
	// How often held claims are refreshed (default: 30s)
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" default:"30s"`
	// How often stale claims are swept (default: 1m)
	SweepInterval time.Duration `yaml:"sweepInterval" default:"1m"`
}

type BufferConfig struct {
	MaxDocuments  int           `yaml:"maxDocuments" default:"1000"`
	FlushInterval time.Duration `yaml:"flushInterval" default:"1s"`
}

type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Interval time.Duration `yaml:"interval" default:"1m"`
	PageSize int           `yaml:"pageSize" default:"500"`
}

// FanInConfig controls the periodic recount of records held at the gate.
type FanInConfig struct {
	Interval time.Duration `yaml:"interval" default:"30s"`
	PageSize int           `yaml:"pageSize" default:"500"`
}

type Config struct {
	Claimer ClaimerConfig `yaml:"claimer"`

	// Sleep after an empty batch, growing by 1.25x up to MaxPollInterval.
	PollInterval    time.Duration `yaml:"pollInterval" default:"500ms"`
	MaxPollInterval time.Duration `yaml:"maxPollInterval" default:"10s"`

	// Bound on every external call made by a worker.
	CallTimeout time.Duration `yaml:"callTimeout" default:"30s"`
	// Bound on a whole bulk write to the search engine.
	IndexTimeout time.Duration `yaml:"indexTimeout" default:"2m"`

	Buffer  BufferConfig  `yaml:"buffer"`
	Monitor MonitorConfig `yaml:"monitor"`
	FanIn   FanInConfig   `yaml:"fanIn"`

	BlockDownloader               WorkerConfig `yaml:"blockDownloader"`
	TransactionDownloader         WorkerConfig `yaml:"transactionDownloader"`
	InternalTransactionDownloader WorkerConfig `yaml:"internalTransactionDownloader"`
	AddressDownloader             WorkerConfig `yaml:"addressDownloader"`
	BlockIndexer                  WorkerConfig `yaml:"blockIndexer"`
	TransactionIndexer            WorkerConfig `yaml:"transactionIndexer"`
	AddressIndexer                WorkerConfig `yaml:"addressIndexer"`
}

// Workers returns every worker config keyed by worker name.
func (c *Config) Workers() map[string]*WorkerConfig {
	return map[string]*WorkerConfig{
		WorkerBlockDownloader:       &c.BlockDownloader,
		WorkerTransactionDownloader: &c.TransactionDownloader,
		WorkerInternalDownloader:    &c.InternalTransactionDownloader,
		WorkerAddressDownloader:     &c.AddressDownloader,
		WorkerBlockIndexer:          &c.BlockIndexer,
		WorkerTransactionIndexer:    &c.TransactionIndexer,
		WorkerAddressIndexer:        &c.AddressIndexer,
	}
}

// Validate checks the config and fills zero values with defaults.
func (c *Config) Validate() error {
	switch c.Claimer.Backend {
	case "":
		c.Claimer.Backend = BackendRowLock
	case BackendRowLock, BackendQueue:
	default:
		return fmt.Errorf("invalid claimer backend %q, must be '%s' or '%s'", c.Claimer.Backend, BackendRowLock, BackendQueue)
	}

	if c.Claimer.LockTTL <= 0 {
		c.Claimer.LockTTL = 5 * time.Minute
	}

	if c.Claimer.HeartbeatInterval <= 0 {
		c.Claimer.HeartbeatInterval = 30 * time.Second
	}

	if c.Claimer.SweepInterval <= 0 {
		c.Claimer.SweepInterval = time.Minute
	}

	if c.Claimer.HeartbeatInterval >= c.Claimer.LockTTL {
		return fmt.Errorf("claimer heartbeatInterval (%s) must be shorter than lockTTL (%s)",
			c.Claimer.HeartbeatInterval, c.Claimer.LockTTL)
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}

	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}

	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 2 * time.Minute
	}

	if c.Buffer.MaxDocuments <= 0 {
		c.Buffer.MaxDocuments = 1000
	}

	if c.Buffer.FlushInterval <= 0 {
		c.Buffer.FlushInterval = time.Second
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = time.Minute
	}

	if c.Monitor.PageSize <= 0 {
		c.Monitor.PageSize = 500
	}

	if c.FanIn.Interval <= 0 {
		c.FanIn.Interval = 30 * time.Second
	}

	if c.FanIn.PageSize <= 0 {
		c.FanIn.PageSize = 500
	}

	for name, w := range c.Workers() {
		if w.BatchSize < 0 || w.Concurrency < 0 || w.Instances < 0 {
			return fmt.Errorf("worker %s: batchSize, concurrency and instances must not be negative", name)
		}

		if w.BatchSize == 0 {
			w.BatchSize = defaultBatchSizes[name]
		}

		if w.Concurrency == 0 {
			w.Concurrency = 10
		}

		if w.Instances == 0 {
			w.Instances = 1
		}
	}

	return nil
}
