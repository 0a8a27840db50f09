package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
)

// Default values from environment variables
var (
	defaultConfigPath  = getEnvOrDefault("TOOLBRIDGE_CONFIG", "")
	defaultCachePath   = getEnvOrDefault("TOOLBRIDGE_CACHE", defaultCacheFile())
	defaultTimeout     = getEnvDuration("TOOLBRIDGE_TIMEOUT", 30*time.Second)
	defaultMaxParallel = getEnvInt("TOOLBRIDGE_PARALLEL", 8)
)

// Environment variable parsing functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func defaultCacheFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".toolbridge", "discovery.json")
}

// Config holds all configuration from command-line flags
type Config struct {
	ConfigPath  string // server config file, optionally "#name"
	CachePath   string // discovery cache; empty disables it
	Timeout     time.Duration
	MaxParallel int
	Retries     int

	Builtins   bool
	ShellTools []string

	Debug bool
}

// parseConfig extracts configuration from command-line flags
func parseConfig(cmd *cli.Command) *Config {
	return &Config{
		ConfigPath:  cmd.String("config"),
		CachePath:   cmd.String("cache"),
		Timeout:     cmd.Duration("timeout"),
		MaxParallel: cmd.Int("parallel"),
		Retries:     cmd.Int("retries"),
		Builtins:    cmd.Bool("builtins"),
		ShellTools:  cmd.StringSlice("shell-tool"),
		Debug:       cmd.Bool("debug"),
	}
}
