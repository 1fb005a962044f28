package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/risa-org/streamlink/cache"
	"github.com/risa-org/streamlink/connection"
	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/probe"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	DefaultCachePath = "streamlink-cache.db"
)

var ErrInvalid = errors.New("invalid config")

// Config is everything a client needs to connect.
type Config struct {
	Endpoints      []endpoint.Endpoint
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	LogLevel       string
	CacheBackend   string
	CachePath      string
	MaxMessageAge  int
	MetricsAddr    string // empty disables /metrics
	CommandLine    string // shown when a local endpoint stops answering
}

type fileConfig struct {
	Endpoints      []string `toml:"endpoints"`
	ConnectTimeout string   `toml:"connect_timeout"`
	PingInterval   string   `toml:"ping_interval"`
	LogLevel       string   `toml:"log_level"`
	CacheBackend   string   `toml:"cache_backend"`
	CachePath      string   `toml:"cache_path"`
	MaxMessageAge  int      `toml:"max_message_age"`
	MetricsAddr    string   `toml:"metrics_addr"`
	CommandLine    string   `toml:"command_line"`
}

func Default() Config {
	return Config{
		ConnectTimeout: connection.DefaultConnectTimeout,
		PingInterval:   connection.DefaultPingInterval,
		LogLevel:       "info",
		CacheBackend:   BackendMemory,
		CachePath:      DefaultCachePath,
		MaxMessageAge:  cache.DefaultMaxMessageAge,
		CommandLine:    probe.DefaultCommandLine,
	}
}

// Load reads a TOML file over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// Parse is Load for a config held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if meta.IsDefined("endpoints") {
		eps, err := endpoint.ParseAll(normalize(raw.Endpoints))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		cfg.Endpoints = eps
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if meta.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse ping_interval: %w", err)
		}
		cfg.PingInterval = d
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("cache_backend") {
		cfg.CacheBackend = strings.ToLower(strings.TrimSpace(raw.CacheBackend))
	}

	if meta.IsDefined("cache_path") {
		cfg.CachePath = strings.TrimSpace(raw.CachePath)
	}

	if meta.IsDefined("max_message_age") {
		cfg.MaxMessageAge = raw.MaxMessageAge
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("command_line") {
		cfg.CommandLine = strings.TrimSpace(raw.CommandLine)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem that would stop a client from running.
func Validate(cfg Config) error {
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", ErrInvalid)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalid)
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("%w: ping_interval must be positive", ErrInvalid)
	}
	if cfg.MaxMessageAge < 0 {
		return fmt.Errorf("%w: max_message_age must not be negative", ErrInvalid)
	}
	switch cfg.CacheBackend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.CachePath == "" {
			return fmt.Errorf("%w: cache_path is required for the sqlite backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache_backend %q", ErrInvalid, cfg.CacheBackend)
	}
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
