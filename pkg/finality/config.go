package finality

import (
	"fmt"
	"time"

	"github.com/ethpandaops/chain-indexer/pkg/leaderelection"
)

// Config configures the block watcher and its tracker.
type Config struct {
	// Enabled runs the watcher in this process.
	Enabled bool `yaml:"enabled" default:"true"`
	// ConfirmationDepth is the number of descendants a block needs before it
	// is committed.
	ConfirmationDepth int `yaml:"confirmationDepth" default:"6"`
	// StaleWindow is how far behind the highest observed block an unsettled
	// block may fall before it is discarded.
	StaleWindow uint64 `yaml:"staleWindow" default:"10"`
	// PollInterval is how often the node head is read.
	PollInterval time.Duration `yaml:"pollInterval" default:"1s"`
	// MaxBlocksPerPoll caps how many skipped heights one poll fetches.
	MaxBlocksPerPoll uint64 `yaml:"maxBlocksPerPoll" default:"100"`
	// CallTimeout bounds each node call.
	CallTimeout time.Duration `yaml:"callTimeout" default:"10s"`

	LeaderElection LeaderElectionConfig `yaml:"leaderElection"`
}

type LeaderElectionConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`

	leaderelection.Config `yaml:",inline"`
}

func (c *Config) Validate() error {
	if c.ConfirmationDepth <= 0 {
		c.ConfirmationDepth = DefaultConfirmationDepth
	}

	if c.StaleWindow == 0 {
		c.StaleWindow = DefaultStaleWindow
	}

	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	if c.MaxBlocksPerPoll == 0 {
		c.MaxBlocksPerPoll = 100
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}

	if c.StaleWindow <= uint64(c.ConfirmationDepth) {
		return fmt.Errorf("finality staleWindow (%d) must exceed confirmationDepth (%d)", c.StaleWindow, c.ConfirmationDepth)
	}

	if c.LeaderElection.Enabled {
		if err := c.LeaderElection.Validate(); err != nil {
			return fmt.Errorf("invalid leader election config: %w", err)
		}
	}

	return nil
}
