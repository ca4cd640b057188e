package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/forge/internal/codec"
)

const (
	defaultShellAddr   = "tcp://127.0.0.1:5555"
	defaultControlAddr = "tcp://127.0.0.1:5556"
	defaultAdminAddr   = ":8080"
	defaultDBPath      = "forge.db"

	envShellAddr       = "FORGE_SHELL_ADDR"
	envControlAddr     = "FORGE_CONTROL_ADDR"
	envAdminAddr       = "FORGE_ADMIN_ADDR"
	envDBPath          = "FORGE_DB_PATH"
	envLogLevel        = "FORGE_LOG_LEVEL"
	envEngineID        = "FORGE_ENGINE_ID"
	envSigningKey      = "FORGE_SIGNING_KEY"
	envBufferThreshold = "FORGE_BUFFER_THRESHOLD"
	envItemThreshold   = "FORGE_ITEM_THRESHOLD"
	envStopOnError     = "FORGE_STOP_ON_ERROR"
)

// Config holds application configuration.
type Config struct {
	ShellAddr       string
	ControlAddr     string
	AdminAddr       string
	DBPath          string
	LogLevel        slog.Level
	EngineID        int
	SigningKey      string
	BufferThreshold int
	ItemThreshold   int
	StopOnError     bool
}

// fileConfig is the on-disk TOML shape. Only keys present in the file are
// applied.
type fileConfig struct {
	ShellAddr       string `toml:"shell_addr"`
	ControlAddr     string `toml:"control_addr"`
	AdminAddr       string `toml:"admin_addr"`
	DBPath          string `toml:"db_path"`
	LogLevel        string `toml:"log_level"`
	EngineID        int    `toml:"engine_id"`
	SigningKey      string `toml:"signing_key"`
	BufferThreshold int    `toml:"buffer_threshold"`
	ItemThreshold   int    `toml:"item_threshold"`
	StopOnError     bool   `toml:"stop_on_error"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ShellAddr:       defaultShellAddr,
		ControlAddr:     defaultControlAddr,
		AdminAddr:       defaultAdminAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		BufferThreshold: codec.DefaultBufferThreshold,
		ItemThreshold:   codec.DefaultItemThreshold,
		StopOnError:     true,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads the TOML file at path over the defaults, then applies
// environment variables on top.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("shell_addr") {
		cfg.ShellAddr = strings.TrimSpace(raw.ShellAddr)
	}
	if meta.IsDefined("control_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.ControlAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}
	if meta.IsDefined("engine_id") {
		cfg.EngineID = raw.EngineID
	}
	if meta.IsDefined("signing_key") {
		cfg.SigningKey = raw.SigningKey
	}
	if meta.IsDefined("buffer_threshold") {
		cfg.BufferThreshold = raw.BufferThreshold
	}
	if meta.IsDefined("item_threshold") {
		cfg.ItemThreshold = raw.ItemThreshold
	}
	if meta.IsDefined("stop_on_error") {
		cfg.StopOnError = raw.StopOnError
	}

	cfg.applyEnv()
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ShellAddr == "" {
		return fmt.Errorf("shell address is required")
	}
	if c.ControlAddr == "" {
		return fmt.Errorf("control address is required")
	}
	if c.ShellAddr == c.ControlAddr {
		return fmt.Errorf("shell and control addresses must differ (both %q)", c.ShellAddr)
	}
	if c.EngineID < 0 {
		return fmt.Errorf("engine id must be non-negative, got %d", c.EngineID)
	}
	if c.BufferThreshold < 0 {
		return fmt.Errorf("buffer threshold must be non-negative, got %d", c.BufferThreshold)
	}
	if c.ItemThreshold < 0 {
		return fmt.Errorf("item threshold must be non-negative, got %d", c.ItemThreshold)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envShellAddr); v != "" {
		c.ShellAddr = v
	}
	if v := os.Getenv(envControlAddr); v != "" {
		c.ControlAddr = v
	}
	if v := os.Getenv(envAdminAddr); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envEngineID); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EngineID = n
		}
	}
	if v := os.Getenv(envSigningKey); v != "" {
		c.SigningKey = v
	}
	if v := os.Getenv(envBufferThreshold); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BufferThreshold = n
		}
	}
	if v := os.Getenv(envItemThreshold); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ItemThreshold = n
		}
	}
	if v := os.Getenv(envStopOnError); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.StopOnError = b
		}
	}
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
