// Package config loads boardsync settings from a YAML file, an optional
// .env file and BOARDSYNC_* environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"boardsync/internal/ephemeral"
	"boardsync/internal/hold"
	"boardsync/internal/logger"
	"boardsync/internal/session"
	"boardsync/internal/state"
	"boardsync/internal/writeq"
)

const (
	defaultDocument  = "default"
	defaultStorePath = "./.boardsync"
	defaultRelayAddr = "0.0.0.0"
	defaultRelayPort = 8888
)

type Config struct {
	Document string `yaml:"document"`
	Store    struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	History struct {
		Limit int `yaml:"limit"`
	} `yaml:"history"`
	Writes    WritesConfig    `yaml:"writes"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Hold      struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"hold"`
	Relay   RelayConfig `yaml:"relay"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type WritesConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Attempts  int           `yaml:"attempts"`
	Backoff   time.Duration `yaml:"backoff"`
}

type EphemeralConfig struct {
	Grid             float64       `yaml:"grid"`
	BaseInterval     time.Duration `yaml:"base_interval"`
	PerEntryInterval time.Duration `yaml:"per_entry_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	MaxAge           time.Duration `yaml:"max_age"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
}

type RelayConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Advertise bool   `yaml:"advertise"`
	// URL is the relay a client connects to, e.g. ws://10.0.0.5:8888.
	URL string `yaml:"url"`
}

// Load reads path (a missing file is not an error), then .env, then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		case os.IsNotExist(err):
			logger.Debug("config_file_missing", zap.String("path", path))
		default:
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("dotenv_load_failed", zap.Error(err))
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = d
		return nil
	}

	str("BOARDSYNC_DOCUMENT", &c.Document)
	str("BOARDSYNC_STORE_PATH", &c.Store.Path)
	str("BOARDSYNC_RELAY_ADDRESS", &c.Relay.Address)
	str("BOARDSYNC_RELAY_URL", &c.Relay.URL)
	str("BOARDSYNC_LOG_LEVEL", &c.Logging.Level)
	if v := os.Getenv("BOARDSYNC_RELAY_ADVERTISE"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			c.Relay.Advertise = true
		default:
			c.Relay.Advertise = false
		}
	}
	for key, dst := range map[string]*int{
		"BOARDSYNC_RELAY_PORT":     &c.Relay.Port,
		"BOARDSYNC_HISTORY_LIMIT":  &c.History.Limit,
		"BOARDSYNC_WRITE_ATTEMPTS": &c.Writes.Attempts,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"BOARDSYNC_HOLD_TTL":      &c.Hold.TTL,
		"BOARDSYNC_WRITE_BACKOFF": &c.Writes.Backoff,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate fills defaults and rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Document == "" {
		c.Document = defaultDocument
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.History.Limit == 0 {
		c.History.Limit = state.DefaultHistoryLimit
	}
	if c.History.Limit < 0 {
		return errors.Newf("history.limit must be positive, got %d", c.History.Limit)
	}

	if c.Writes.ChunkSize == 0 {
		c.Writes.ChunkSize = writeq.DefaultChunkSize
	}
	if c.Writes.ChunkSize < 0 || c.Writes.ChunkSize >= 500 {
		return errors.Newf("writes.chunk_size must be between 1 and 499, got %d", c.Writes.ChunkSize)
	}
	if c.Writes.Attempts == 0 {
		c.Writes.Attempts = writeq.DefaultAttempts
	}
	if c.Writes.Backoff == 0 {
		c.Writes.Backoff = writeq.DefaultBackoff
	}

	e := &c.Ephemeral
	if e.Grid == 0 {
		e.Grid = ephemeral.DefaultGrid
	}
	if e.Grid < 0 {
		return errors.Newf("ephemeral.grid must be positive, got %v", e.Grid)
	}
	if e.BaseInterval == 0 {
		e.BaseInterval = ephemeral.DefaultBaseInterval
	}
	if e.PerEntryInterval == 0 {
		e.PerEntryInterval = ephemeral.DefaultPerEntryInterval
	}
	if e.MaxInterval == 0 {
		e.MaxInterval = ephemeral.DefaultMaxInterval
	}
	if e.MaxInterval < e.BaseInterval {
		return errors.Newf("ephemeral.max_interval (%s) below base_interval (%s)", e.MaxInterval, e.BaseInterval)
	}
	if e.Heartbeat == 0 {
		e.Heartbeat = ephemeral.DefaultHeartbeat
	}
	if e.MaxAge == 0 {
		e.MaxAge = ephemeral.DefaultMaxAge
	}
	if e.FrameInterval == 0 {
		e.FrameInterval = ephemeral.DefaultFrameInterval
	}

	if c.Hold.TTL == 0 {
		c.Hold.TTL = hold.DefaultTTL
	}
	if c.Hold.TTL <= e.Heartbeat {
		return errors.Newf("hold.ttl (%s) must exceed ephemeral.heartbeat (%s)", c.Hold.TTL, e.Heartbeat)
	}

	if c.Relay.Address == "" {
		c.Relay.Address = defaultRelayAddr
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = defaultRelayPort
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return errors.Newf("relay.port out of range: %d", c.Relay.Port)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// SessionOptions maps the config onto session options. Backend, Channel and
// Identity are left to the caller.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Doc:          c.Document,
		HistoryLimit: c.History.Limit,
		ChunkSize:    c.Writes.ChunkSize,
		Writes: writeq.Config{
			Attempts: c.Writes.Attempts,
			Backoff:  c.Writes.Backoff,
		},
		Sender: ephemeral.SenderConfig{
			Grid:             c.Ephemeral.Grid,
			BaseInterval:     c.Ephemeral.BaseInterval,
			PerEntryInterval: c.Ephemeral.PerEntryInterval,
			MaxInterval:      c.Ephemeral.MaxInterval,
			Heartbeat:        c.Ephemeral.Heartbeat,
		},
		MaxAge:        c.Ephemeral.MaxAge,
		HoldTTL:       c.Hold.TTL,
		FrameInterval: c.Ephemeral.FrameInterval,
	}
}
