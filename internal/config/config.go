// Package config reads the eligibility service configuration.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the eligibility service configuration.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	OrdersSystemAddress string `env:"ORDERS_SYSTEM_ADDRESS"`
	RedisAddress        string `env:"REDIS_ADDRESS"`
	AuthSecret          string `env:"AUTH_SECRET"`
}

// Parse reads the configuration from command-line flags and environment
// variables. Environment wins over flags.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOrdersAddress := cfg.OrdersSystemAddress
	envRedisAddress := cfg.RedisAddress
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OrdersSystemAddress, "o", "", "order system address")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis address for the zone cache (optional)")
	flag.StringVar(&cfg.AuthSecret, "s", "", "staff session signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOrdersAddress != "" {
		cfg.OrdersSystemAddress = envOrdersAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
