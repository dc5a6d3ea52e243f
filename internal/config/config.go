// Package config loads runtime configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the aitask daemon.
type Config struct {
	DatabaseURL string
	APIHost     string
	APIPort     int
	CORSOrigins []string

	SchedulerInterval time.Duration
	HeartbeatInterval time.Duration

	RunnerEnv   string
	MaxParallel int

	LogLevel       string
	PromptMaxChars int
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "./tasks.db")
	v.SetDefault("API_HOST", "127.0.0.1")
	v.SetDefault("API_PORT", 8000)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	v.SetDefault("SCHEDULER_INTERVAL", 5)
	v.SetDefault("HEARTBEAT_INTERVAL", 30)
	v.SetDefault("RUNNER_ENV", "local")
	v.SetDefault("MAX_PARALLEL", 1)
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("PROMPT_MAX_CHARS", 100000)

	cfg := &Config{
		DatabaseURL:       v.GetString("DATABASE_URL"),
		APIHost:           v.GetString("API_HOST"),
		APIPort:           v.GetInt("API_PORT"),
		CORSOrigins:       splitOrigins(v.GetString("CORS_ORIGINS")),
		SchedulerInterval: time.Duration(v.GetInt("SCHEDULER_INTERVAL")) * time.Second,
		HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL")) * time.Second,
		RunnerEnv:         v.GetString("RUNNER_ENV"),
		MaxParallel:       v.GetInt("MAX_PARALLEL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		PromptMaxChars:    v.GetInt("PROMPT_MAX_CHARS"),
	}

	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return cfg
}

func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
