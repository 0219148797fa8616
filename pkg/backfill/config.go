package backfill

import (
	"fmt"
	"time"
)

// Config configures the block range importer.
type Config struct {
	// Window is the number of consecutive blocks fetched together.
	Window uint64 `yaml:"window" default:"30"`
	// Concurrency bounds the block fetches in flight within one window.
	Concurrency int `yaml:"concurrency" default:"10"`
	// MaxAttempts is how often a failing block is tried before it is given up.
	MaxAttempts int `yaml:"maxAttempts" default:"10"`
	// RetryDelay is the pause before each retry round.
	RetryDelay time.Duration `yaml:"retryDelay" default:"1s"`
	// CallTimeout bounds each node and store call.
	CallTimeout time.Duration `yaml:"callTimeout" default:"30s"`

	// Queue is the task queue windows are distributed on.
	Queue string `yaml:"queue" default:"backfill"`
	// Workers is the number of windows one process imports at once.
	Workers int `yaml:"workers" default:"2"`
	// TaskRetries is how often a failed window task is redelivered.
	TaskRetries int `yaml:"taskRetries" default:"5"`
}

func (c *Config) Validate() error {
	if c.Window == 0 {
		c.Window = 30
	}

	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}

	if c.RetryDelay < 0 {
		return fmt.Errorf("backfill retryDelay must not be negative")
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}

	if c.Queue == "" {
		c.Queue = "backfill"
	}

	if c.Workers <= 0 {
		c.Workers = 2
	}

	if c.TaskRetries < 0 {
		return fmt.Errorf("backfill taskRetries must not be negative")
	}

	return nil
}
