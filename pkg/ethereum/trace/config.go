package trace

import (
	"fmt"
	"time"
)

const (
	SourceNode     = "node"
	SourceExplorer = "explorer"
	SourceNone     = "none"
)

type Config struct {
	// Source is one of node, explorer or none.
	Source string `yaml:"source" default:"node"`
	// NodeAddress is a JSON-RPC endpoint with the trace namespace. Empty uses
	// the first execution node.
	NodeAddress string            `yaml:"nodeAddress"`
	NodeHeaders map[string]string `yaml:"nodeHeaders"`
	// ExplorerURL is an Etherscan-compatible api endpoint.
	ExplorerURL    string        `yaml:"explorerUrl"`
	ExplorerAPIKey string        `yaml:"explorerApiKey"`
	Timeout        time.Duration `yaml:"timeout" default:"10s"`
	RetryCount     int           `yaml:"retryCount" default:"2"`
}

func (c *Config) Enabled() bool {
	return c.Source != SourceNone && c.Source != ""
}

func (c *Config) Validate() error {
	switch c.Source {
	case SourceNone, "":
		return nil
	case SourceNode:
		return nil
	case SourceExplorer:
		if c.ExplorerURL == "" {
			return fmt.Errorf("trace explorerUrl is required for the explorer source")
		}

		return nil
	default:
		return fmt.Errorf("unknown trace source %q", c.Source)
	}
}
