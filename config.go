// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvURL      = "BRIDGE_URL"
	EnvPlatform = "BRIDGE_PLATFORM"
	EnvLogLevel = "BRIDGE_LOG_LEVEL"
	EnvTrace    = "BRIDGE_TRACE"
)

// Config is the file form of the Dial options.
type Config struct {
	URL           string
	Platform      string
	SocketNetwork string
	SocketAddress string
	WASMPath      string
	Timeout       time.Duration
	SyncTimeout   time.Duration
	Retries       int
	PushPrefix    int
	Log           LogConfig
	TracePath     string
}

type fileConfig struct {
	URL         string    `toml:"url"`
	Platform    string    `toml:"platform"`
	Socket      string    `toml:"socket"`
	SocketNet   string    `toml:"socket_network"`
	WASM        string    `toml:"wasm"`
	Timeout     string    `toml:"timeout"`
	SyncTimeout string    `toml:"sync_timeout"`
	Retries     int       `toml:"retries"`
	PushPrefix  int       `toml:"push_prefix"`
	Log         LogConfig `toml:"log"`
	Trace       string    `toml:"trace"`
}

// DefaultConfig matches the defaults Dial uses without options.
func DefaultConfig() Config {
	o := defaultOptions()
	return Config{
		URL:           o.baseURL,
		SocketNetwork: o.socketNet,
		Timeout:       o.httpTimeout,
		SyncTimeout:   o.syncTimeout,
		Retries:       o.retries,
		PushPrefix:    o.wsPrefix,
		Log:           LogConfig{Level: "info"},
	}
}

// LoadConfig reads a TOML file over DefaultConfig and applies environment
// overrides. An empty path yields the defaults plus the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load bridge config: %w", err)
		}
		if meta.IsDefined("url") {
			cfg.URL = strings.TrimSpace(raw.URL)
		}
		if meta.IsDefined("platform") {
			cfg.Platform = strings.TrimSpace(raw.Platform)
		}
		if meta.IsDefined("socket") {
			cfg.SocketAddress = strings.TrimSpace(raw.Socket)
		}
		if meta.IsDefined("socket_network") {
			cfg.SocketNetwork = strings.TrimSpace(raw.SocketNet)
		}
		if meta.IsDefined("wasm") {
			cfg.WASMPath = strings.TrimSpace(raw.WASM)
		}
		if meta.IsDefined("timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
			if err != nil {
				return Config{}, fmt.Errorf("parse timeout: %w", err)
			}
			cfg.Timeout = d
		}
		if meta.IsDefined("sync_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.SyncTimeout))
			if err != nil {
				return Config{}, fmt.Errorf("parse sync_timeout: %w", err)
			}
			cfg.SyncTimeout = d
		}
		if meta.IsDefined("retries") {
			cfg.Retries = raw.Retries
		}
		if meta.IsDefined("push_prefix") {
			cfg.PushPrefix = raw.PushPrefix
		}
		if meta.IsDefined("log", "level") {
			cfg.Log.Level = raw.Log.Level
		}
		if meta.IsDefined("log", "development") {
			cfg.Log.Development = raw.Log.Development
		}
		if meta.IsDefined("trace") {
			cfg.TracePath = strings.TrimSpace(raw.Trace)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvURL)); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPlatform)); v != "" {
		cfg.Platform = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTrace)); v != "" {
		cfg.TracePath = v
	}
}

// Validate reports every problem in the config at once.
func (c Config) Validate() error {
	var errs []error
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("url: %w", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("url: scheme must be http or https, got %q", u.Scheme))
		}
	}
	if c.Platform != "" && !HasPlatform(c.Platform) {
		errs = append(errs, fmt.Errorf("platform: %w %q (have %s)",
			ErrUnknownPlatform, c.Platform, strings.Join(AvailablePlatforms(), ", ")))
	}
	if c.Platform == PlatformWASM && c.WASMPath == "" {
		errs = append(errs, errors.New("wasm: module path required for the wasm platform"))
	}
	if (c.Platform == PlatformSocket || c.Platform == PlatformGRPC) && c.SocketAddress == "" {
		errs = append(errs, fmt.Errorf("socket: address required for the %s platform", c.Platform))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout: must be positive, got %s", c.Timeout))
	}
	if c.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync_timeout: must be positive, got %s", c.SyncTimeout))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries: must not be negative, got %d", c.Retries))
	}
	if c.PushPrefix < 0 {
		errs = append(errs, fmt.Errorf("push_prefix: must not be negative, got %d", c.PushPrefix))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Options converts the config into Dial options. The trace file, when
// configured, is created here and owned by the caller.
func (c Config) Options() ([]Option, *Trace, error) {
	opts := []Option{
		WithURL(c.URL),
		WithTimeouts(c.Timeout, c.SyncTimeout),
		WithRetries(c.Retries),
		WithPushPrefix(c.PushPrefix),
	}
	if c.Platform != "" {
		opts = append(opts, WithPlatform(c.Platform))
	}
	if c.SocketAddress != "" {
		opts = append(opts, WithSocket(c.SocketNetwork, c.SocketAddress))
	}
	if c.WASMPath != "" {
		opts = append(opts, WithWASMPath(c.WASMPath))
	}
	l, err := NewLogger(c.Log)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, WithLogger(l))

	var trace *Trace
	if c.TracePath != "" {
		trace, err = CreateTrace(c.TracePath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithTrace(trace))
	}
	return opts, trace, nil
}
