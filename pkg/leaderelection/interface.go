// Package leaderelection picks a single active process per role.
package leaderelection

import (
	"context"
	"fmt"
	"time"
)

// LeadershipCallback is invoked synchronously when leadership changes.
// Implementations should return quickly; spawn a goroutine for long work.
type LeadershipCallback func(ctx context.Context, isLeader bool)

// Elector defines the interface for leader election implementations.
type Elector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsLeader() bool
	// OnLeadershipChange registers a callback. Callbacks run in
	// registration order.
	OnLeadershipChange(callback LeadershipCallback)
	// LeaderID returns the node id currently holding the lock.
	LeaderID(ctx context.Context) (string, error)
}

// Config holds configuration for leader election.
type Config struct {
	// TTL is the lifetime of the leader lock without renewal.
	TTL time.Duration `yaml:"ttl" default:"10s"`
	// RenewalInterval is how often the holder extends the lock.
	RenewalInterval time.Duration `yaml:"renewalInterval" default:"3s"`
	// NodeID identifies this process. Generated when empty.
	NodeID string `yaml:"nodeId"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		TTL:             10 * time.Second,
		RenewalInterval: 3 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("leader election ttl must be positive")
	}

	if c.RenewalInterval <= 0 || c.RenewalInterval >= c.TTL {
		return fmt.Errorf("leader election renewalInterval must be positive and below ttl (%s)", c.TTL)
	}

	return nil
}
