package search

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Address is the Elasticsearch base URL.
	Address  string `yaml:"address" default:"http://localhost:9200"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"apiKey"`
	// IndexPrefix is prepended to every index name.
	IndexPrefix string        `yaml:"indexPrefix" default:"chain"`
	Timeout     time.Duration `yaml:"timeout" default:"30s"`
	RetryCount  int           `yaml:"retryCount" default:"3"`
	// RetryOnConflict is passed on every bulk update.
	RetryOnConflict int `yaml:"retryOnConflict" default:"3"`
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("search address is required")
	}

	if !strings.HasPrefix(c.Address, "http://") && !strings.HasPrefix(c.Address, "https://") {
		return fmt.Errorf("search address must be an http(s) URL, got %q", c.Address)
	}

	if c.APIKey != "" && c.Username != "" {
		return fmt.Errorf("search apiKey and username are mutually exclusive")
	}

	if c.RetryCount < 0 {
		return fmt.Errorf("search retryCount must not be negative")
	}

	return nil
}
