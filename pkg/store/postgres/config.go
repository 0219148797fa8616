package postgres

import (
	"fmt"
	"time"
)

type Config struct {
	// DSN is a postgres:// connection URL.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns" default:"20"`
	MaxIdleConns    int           `yaml:"maxIdleConns" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" default:"30m"`
	// AutoMigrate applies the bundled schema on startup.
	AutoMigrate bool `yaml:"autoMigrate" default:"true"`
	// ConnectTimeout bounds the startup connection retries.
	ConnectTimeout time.Duration `yaml:"connectTimeout" default:"2m"`
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("postgres connection limits must not be negative")
	}

	return nil
}
