package redis

import (
	"fmt"
)

type Config struct {
	// Address is host:port or a redis:// URL.
	Address string `yaml:"address"`
	// Prefix namespaces every key this process writes.
	Prefix   string `yaml:"prefix" default:"chain-indexer"`
	PoolSize int    `yaml:"poolSize" default:"20"`
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Prefix == "" {
		c.Prefix = "chain-indexer"
	}

	if c.PoolSize < 0 {
		return fmt.Errorf("redis poolSize must not be negative")
	}

	return nil
}
