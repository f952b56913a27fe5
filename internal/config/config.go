// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion engine.
type Config struct {
	// HTTP server for the admin/reporting API and /metrics.
	Port int

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL           string
	NotificationsQueue string

	// S3-compatible blob storage for attachments.
	S3 S3Config

	// Scheduler
	TickInterval      time.Duration
	MaxConcurrentRuns int
	OperationTimeout  time.Duration
}

// S3Config holds the attachment blob store settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Notifications string `yaml:"notifications"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	S3        S3Config `yaml:"s3"`
	Scheduler struct {
		TickInterval      string `yaml:"tick_interval"`
		MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
		OperationTimeout  string `yaml:"operation_timeout"`
	} `yaml:"scheduler"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for overrides.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:               envOrDefaultInt("PORT", 8080),
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		NotificationsQueue: firstNonEmpty(raw.Redis.Queues.Notifications, envOrDefault("NOTIFICATIONS_QUEUE", "notifications")),
		S3:                 raw.S3,
		TickInterval:       parseDurationOr(raw.Scheduler.TickInterval, envOrDefaultDuration("TICK_INTERVAL", 60*time.Second)),
		MaxConcurrentRuns:  raw.Scheduler.MaxConcurrentRuns,
		OperationTimeout:   parseDurationOr(raw.Scheduler.OperationTimeout, envOrDefaultDuration("OPERATION_TIMEOUT", 2*time.Minute)),
	}

	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = envOrDefaultInt("MAX_CONCURRENT_RUNS", 8)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required: set database.url or DATABASE_URL")
	}
	if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("s3.endpoint and s3.bucket are required for attachment storage")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
