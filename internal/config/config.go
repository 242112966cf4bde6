package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port   string
	DBPath string

	// Downstream automation worker that performs one AI audit per unit.
	TriggerURL   string
	TriggerToken string

	// Shared credential the progress callback endpoint expects.
	CallbackToken string

	// Admission cap on jobs in queued/running. Deliberately small: every
	// unit fans out into a rate-limited third-party pipeline downstream.
	MaxConcurrentJobs int

	SchedulerInterval  time.Duration
	ReaperInterval     time.Duration
	StaleThreshold     time.Duration
	DispatchPace       time.Duration
	EmitTimeout        time.Duration
	CancelTTL          time.Duration
	StatusRecheckEvery int
}

// fileConfig mirrors Config with YAML-friendly types; durations are
// time.ParseDuration strings ("30s", "24h").
type fileConfig struct {
	Port               string `yaml:"port"`
	DBPath             string `yaml:"dbPath"`
	TriggerURL         string `yaml:"triggerUrl"`
	TriggerToken       string `yaml:"triggerToken"`
	CallbackToken      string `yaml:"callbackToken"`
	MaxConcurrentJobs  int    `yaml:"maxConcurrentJobs"`
	SchedulerInterval  string `yaml:"schedulerInterval"`
	ReaperInterval     string `yaml:"reaperInterval"`
	StaleThreshold     string `yaml:"staleThreshold"`
	DispatchPace       string `yaml:"dispatchPace"`
	EmitTimeout        string `yaml:"emitTimeout"`
	CancelTTL          string `yaml:"cancelTtl"`
	StatusRecheckEvery int    `yaml:"statusRecheckEvery"`
}

// Load builds the config from defaults, then an optional YAML file
// (CONFIG_PATH, default auditd.yaml if present), then env overrides.
func Load() Config {
	cfg := defaults()

	path := getEnv("CONFIG_PATH", "auditd.yaml")
	if data, err := os.ReadFile(path); err == nil {
		applyFile(&cfg, data)
	} else if !os.IsNotExist(err) {
		slog.Error("failed to read config file", "path", path, "error", err)
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.TriggerURL = getEnv("TRIGGER_URL", cfg.TriggerURL)
	cfg.TriggerToken = getEnv("TRIGGER_TOKEN", cfg.TriggerToken)
	cfg.CallbackToken = getEnv("CALLBACK_TOKEN", cfg.CallbackToken)
	cfg.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", cfg.SchedulerInterval)
	cfg.ReaperInterval = getEnvDuration("REAPER_INTERVAL", cfg.ReaperInterval)
	cfg.StaleThreshold = getEnvDuration("STALE_THRESHOLD", cfg.StaleThreshold)
	cfg.DispatchPace = getEnvDuration("DISPATCH_PACE", cfg.DispatchPace)
	cfg.EmitTimeout = getEnvDuration("EMIT_TIMEOUT", cfg.EmitTimeout)
	cfg.CancelTTL = getEnvDuration("CANCEL_TTL", cfg.CancelTTL)
	cfg.StatusRecheckEvery = getEnvInt("STATUS_RECHECK_EVERY", cfg.StatusRecheckEvery)

	return cfg
}

func defaults() Config {
	return Config{
		Port:               "8080",
		DBPath:             "audit.db",
		TriggerURL:         "http://localhost:9090/trigger",
		MaxConcurrentJobs:  2,
		SchedulerInterval:  30 * time.Second,
		ReaperInterval:     5 * time.Minute,
		StaleThreshold:     24 * time.Hour,
		DispatchPace:       2 * time.Second,
		EmitTimeout:        30 * time.Second,
		CancelTTL:          5 * time.Minute,
		StatusRecheckEvery: 5,
	}
}

func applyFile(cfg *Config, data []byte) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		slog.Error("failed to parse config file", "error", err)
		return
	}

	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TriggerURL != "" {
		cfg.TriggerURL = fc.TriggerURL
	}
	if fc.TriggerToken != "" {
		cfg.TriggerToken = fc.TriggerToken
	}
	if fc.CallbackToken != "" {
		cfg.CallbackToken = fc.CallbackToken
	}
	if fc.MaxConcurrentJobs > 0 {
		cfg.MaxConcurrentJobs = fc.MaxConcurrentJobs
	}
	if fc.StatusRecheckEvery > 0 {
		cfg.StatusRecheckEvery = fc.StatusRecheckEvery
	}
	setDuration(&cfg.SchedulerInterval, fc.SchedulerInterval)
	setDuration(&cfg.ReaperInterval, fc.ReaperInterval)
	setDuration(&cfg.StaleThreshold, fc.StaleThreshold)
	setDuration(&cfg.DispatchPace, fc.DispatchPace)
	setDuration(&cfg.EmitTimeout, fc.EmitTimeout)
	setDuration(&cfg.CancelTTL, fc.CancelTTL)
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Error("invalid duration in config file, keeping default", "value", raw)
		return
	}
	*dst = d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
