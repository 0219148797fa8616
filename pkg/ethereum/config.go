package ethereum

import (
	"fmt"
)

// NodeConfig describes one JSON-RPC execution node.
type NodeConfig struct {
	Name        string            `yaml:"name"`
	NodeAddress string            `yaml:"nodeAddress"`
	NodeHeaders map[string]string `yaml:"nodeHeaders"`
	// RateLimit caps requests per second sent to this node. Zero disables.
	RateLimit float64 `yaml:"rateLimit" default:"50"`
	RateBurst int     `yaml:"rateBurst" default:"10"`
}

func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.NodeAddress == "" {
		return fmt.Errorf("nodeAddress is required")
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit must not be negative")
	}

	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}

	return nil
}

type Config struct {
	Execution []*NodeConfig `yaml:"execution"`
	// Override network name for custom networks (bypasses networkMap)
	OverrideNetworkName *string `yaml:"overrideNetworkName"`
}

func (c *Config) Validate() error {
	if len(c.Execution) == 0 {
		return fmt.Errorf("at least one execution node is required")
	}

	for i, node := range c.Execution {
		if err := node.Validate(); err != nil {
			return fmt.Errorf("invalid execution configuration at index %d: %w", i, err)
		}
	}

	return nil
}
