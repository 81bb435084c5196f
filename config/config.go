package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	PoolSize         int
	StatusFile       string
	Timezone         string
	LockTimeout      time.Duration
	TelemetryTimeout time.Duration
	SweepInterval    time.Duration
	Port             int
	LogLevel         string

	GoogleProjectID     string
	CredentialsFile     string
	EventsTopic         string
	CommandSubscription string
}

func Load() *Config {
	cfg := &Config{
		PoolSize:            getEnvInt("GPU_POOL_SIZE", 8),
		StatusFile:          strings.TrimSpace(getEnv("GPU_STATUS_FILE", "gpu_status.json")),
		Timezone:            strings.TrimSpace(getEnv("GPU_TIMEZONE", "Asia/Kolkata")),
		LockTimeout:         getEnvDuration("GPU_LOCK_TIMEOUT", 5*time.Second),
		TelemetryTimeout:    getEnvDuration("GPU_TELEMETRY_TIMEOUT", 10*time.Second),
		SweepInterval:       getEnvDuration("GPU_SWEEP_INTERVAL", 0),
		Port:                getEnvInt("PORT", 5000),
		LogLevel:            strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
		CredentialsFile:     strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("GPU_PUBSUB_CREDENTIALS"))),
		EventsTopic:         strings.TrimSpace(getEnv("GPU_EVENTS_TOPIC", "")),
		CommandSubscription: strings.TrimSpace(getEnv("GPU_COMMAND_SUBSCRIPTION", "")),
	}
	if cfg.PoolSize <= 0 {
		log.Warn().Int("poolSize", cfg.PoolSize).Msg("GPU_POOL_SIZE must be positive; using 1")
		cfg.PoolSize = 1
	}

	if cfg.PubsubEnabled() {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("GPU_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or GPU_PUBSUB_PROJECT_ID")
		}
	}
	return cfg
}

// PubsubEnabled reports whether events or queued commands are configured.
func (c *Config) PubsubEnabled() bool {
	return c.EventsTopic != "" || c.CommandSubscription != ""
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.Port))
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", c.Timezone).Msg("unknown timezone; using UTC")
		return time.UTC
	}
	return loc
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"poolSize":            c.PoolSize,
		"statusFile":          c.StatusFile,
		"timezone":            c.Timezone,
		"lockTimeout":         c.LockTimeout.String(),
		"telemetryTimeout":    c.TelemetryTimeout.String(),
		"sweepInterval":       c.SweepInterval.String(),
		"port":                c.Port,
		"logLevel":            c.LogLevel,
		"projectID":           c.GoogleProjectID,
		"eventsTopic":         c.EventsTopic,
		"commandSubscription": c.CommandSubscription,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d >= 0 {
			return d
		}
		fmt.Printf("invalid duration for %s: %s\n", key, v)
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", nil
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using GPU_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (GPU_PUBSUB_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
