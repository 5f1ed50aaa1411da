// Package config provides configuration management for kode-acp.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxSessions caps the number of live sessions.
	DefaultMaxSessions = 100
	// DefaultSessionTimeout is the idle time after which a session is evicted.
	DefaultSessionTimeout = 30 * time.Minute
	// DefaultCleanupInterval is the period of the idle sweep.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultToolTimeout is the hard deadline of one tool execution.
	DefaultToolTimeout = 5 * time.Minute
	// DefaultDecisionRetention is how long permission decisions are cached.
	DefaultDecisionRetention = time.Hour
	// DefaultHTTPAddr is used by the HTTP transport when none is given.
	DefaultHTTPAddr = "127.0.0.1:37800"

	dataDirName  = ".kode-acp"
	envPrefix    = "KODE_ACP_"
	settingsFile = "settings.json"
)

// Config holds all runtime settings.
type Config struct {
	DefaultMode           string        `json:"KODE_ACP_DEFAULT_MODE"`
	DefaultPermissionMode string        `json:"KODE_ACP_PERMISSION_MODE"`
	HTTPAddr              string        `json:"KODE_ACP_HTTP_ADDR"`
	DBPath                string        `json:"KODE_ACP_DB_PATH"`
	ModelsPath            string        `json:"KODE_ACP_MODELS_PATH"`
	LogLevel              string        `json:"KODE_ACP_LOG_LEVEL"`
	ExtraApprovedTools    []string      `json:"-"`
	SessionTimeout        time.Duration `json:"-"`
	CleanupInterval       time.Duration `json:"-"`
	ToolTimeout           time.Duration `json:"-"`
	DecisionRetention     time.Duration `json:"-"`
	MaxSessions           int           `json:"KODE_ACP_MAX_SESSIONS"`
	PersistSessions       bool          `json:"KODE_ACP_PERSIST_SESSIONS"`
}

// settingsFileShape mirrors settings.json, where durations are given in seconds
// and lists as comma separated strings.
type settingsFileShape struct {
	Config
	ExtraApprovedTools string `json:"KODE_ACP_EXTRA_APPROVED_TOOLS"`
	SessionTimeoutSec  int    `json:"KODE_ACP_SESSION_TIMEOUT_SEC"`
	CleanupIntervalSec int    `json:"KODE_ACP_CLEANUP_INTERVAL_SEC"`
	ToolTimeoutSec     int    `json:"KODE_ACP_TOOL_TIMEOUT_SEC"`
	DecisionTTLSec     int    `json:"KODE_ACP_DECISION_RETENTION_SEC"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxSessions:           DefaultMaxSessions,
		SessionTimeout:        DefaultSessionTimeout,
		CleanupInterval:       DefaultCleanupInterval,
		ToolTimeout:           DefaultToolTimeout,
		DecisionRetention:     DefaultDecisionRetention,
		DefaultMode:           "default",
		DefaultPermissionMode: "yolo",
		HTTPAddr:              DefaultHTTPAddr,
		DBPath:                DBPath(),
		ModelsPath:            ModelsPath(),
		LogLevel:              "info",
		PersistSessions:       true,
		ExtraApprovedTools:    []string{},
	}
}

// DataDir returns the data directory, ~/.kode-acp.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// SettingsPath returns the path of settings.json.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFile)
}

// ModelsPath returns the path of the model profile file.
func ModelsPath() string {
	return filepath.Join(DataDir(), "models.yaml")
}

// DBPath returns the default session snapshot database path.
func DBPath() string {
	return filepath.Join(DataDir(), "sessions.db")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes an empty settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte("{}\n"), 0600)
}

// EnsureAll creates the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json and applies environment overrides on top of the
// defaults. A missing or malformed settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		applySettings(cfg, data)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applySettings(cfg *Config, data []byte) {
	var raw settingsFileShape
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		return
	}

	if raw.MaxSessions > 0 {
		cfg.MaxSessions = raw.MaxSessions
	}
	if raw.DefaultMode != "" {
		cfg.DefaultMode = raw.DefaultMode
	}
	if raw.DefaultPermissionMode != "" {
		cfg.DefaultPermissionMode = raw.DefaultPermissionMode
	}
	if raw.HTTPAddr != "" {
		cfg.HTTPAddr = raw.HTTPAddr
	}
	if raw.DBPath != "" {
		cfg.DBPath = raw.DBPath
	}
	if raw.ModelsPath != "" {
		cfg.ModelsPath = raw.ModelsPath
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.SessionTimeoutSec > 0 {
		cfg.SessionTimeout = time.Duration(raw.SessionTimeoutSec) * time.Second
	}
	if raw.CleanupIntervalSec > 0 {
		cfg.CleanupInterval = time.Duration(raw.CleanupIntervalSec) * time.Second
	}
	if raw.ToolTimeoutSec > 0 {
		cfg.ToolTimeout = time.Duration(raw.ToolTimeoutSec) * time.Second
	}
	if raw.DecisionTTLSec > 0 {
		cfg.DecisionRetention = time.Duration(raw.DecisionTTLSec) * time.Second
	}
	if raw.ExtraApprovedTools != "" {
		cfg.ExtraApprovedTools = splitTrim(raw.ExtraApprovedTools)
	}
	// Booleans cannot be told apart from "unset", so only an explicit false is honoured.
	if strings.Contains(string(data), `"KODE_ACP_PERSIST_SESSIONS"`) {
		cfg.PersistSessions = raw.PersistSessions
	}
}

func applyEnv(cfg *Config) {
	if v, ok := envInt("MAX_SESSIONS"); ok && v > 0 {
		cfg.MaxSessions = v
	}
	if v, ok := envInt("SESSION_TIMEOUT_SEC"); ok && v > 0 {
		cfg.SessionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("CLEANUP_INTERVAL_SEC"); ok && v > 0 {
		cfg.CleanupInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("TOOL_TIMEOUT_SEC"); ok && v > 0 {
		cfg.ToolTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("DECISION_RETENTION_SEC"); ok && v > 0 {
		cfg.DecisionRetention = time.Duration(v) * time.Second
	}
	if v := os.Getenv(envPrefix + "DEFAULT_MODE"); v != "" {
		cfg.DefaultMode = v
	}
	if v := os.Getenv(envPrefix + "PERMISSION_MODE"); v != "" {
		cfg.DefaultPermissionMode = v
	}
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envPrefix + "MODELS_PATH"); v != "" {
		cfg.ModelsPath = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "EXTRA_APPROVED_TOOLS"); v != "" {
		cfg.ExtraApprovedTools = splitTrim(v)
	}
	if v := os.Getenv(envPrefix + "PERSIST_SESSIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PersistSessions = b
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitTrim splits a comma separated list, dropping blanks.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
