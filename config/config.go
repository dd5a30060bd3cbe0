// Package config loads cdn.toml, applies defaults via mergo, builds the
// zap logger the rest of the process shares, and optionally watches the
// file for a narrow set of hot-reloadable sections.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/imdario/mergo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
)

// EnvConfigPath is the environment variable naming the cdn.toml path.
const EnvConfigPath = "CDN_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "config/cdn.toml"

// EnvLogLevel optionally overrides the top-level log_level setting.
const EnvLogLevel = "LOG"

func defaults() configurationtypes.Config {
	return configurationtypes.Config{
		Server: configurationtypes.ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			Workers:            0,
			RequestTimeoutSecs: 30,
		},
		Cache: configurationtypes.CacheConfig{
			MaxSizeMB:                256,
			MaxEntrySizeMB:           16,
			DefaultTTLSecs:           300,
			MaxTTLSecs:               86400,
			StaleWhileRevalidateSecs: 30,
			RespectCacheControl:     true,
			Tags: configurationtypes.TagsConfig{
				Enabled:         true,
				MaxTagsPerEntry: 32,
			},
			Hierarchy: configurationtypes.HierarchyConfig{
				Enabled:            false,
				L1SizePercent:      20,
				L2SizePercent:      80,
				PromotionThreshold: 3,
			},
		},
		RateLimit: configurationtypes.RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 100,
			WindowSecs:        60,
			BurstSize:         20,
		},
		CircuitBreaker: configurationtypes.CircuitBreakerConfig{
			FailureThreshold:  5,
			ResetTimeoutSecs:  30,
			SuccessThreshold:  2,
			HalfOpenMaxProbes: 1,
		},
		Admin: configurationtypes.AdminConfig{
			AuthEnabled: true,
			AllowedIPs:  nil,
		},
		LogLevel: "info",
	}
}

// Load reads path (or the EnvConfigPath/default location when path is
// empty), merges it onto defaults() and returns the effective config. A
// missing file is not an error: the process can run on defaults alone.
func Load(path string) (*configurationtypes.Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		var fromFile configurationtypes.Config
		if _, err := toml.DecodeFile(path, &fromFile); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging %s onto defaults: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	for name, origin := range cfg.Origins {
		origin.Name = name
		cfg.Origins[name] = origin
	}

	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}

	return &cfg, nil
}

// NewLogger builds the zap logger every component shares, matching the
// teacher's JSON/ISO8601 production encoder configuration.
func NewLogger(level string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if level == "" {
		logLevel = zapcore.InfoLevel
	} else if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Encoding:         "json",
		Level:            zap.NewAtomicLevelAt(logLevel),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
	return cfg.Build()
}

// Live holds the config fields that are safe to hot-swap without
// restarting the process: edge rules, rate limit and breaker tuning. The
// cache engine's size budget, origins and server bind address are not
// covered — they're read once at startup, mirroring the teacher's
// practice of only narrowly re-reading configuration at runtime.
type Live struct {
	value atomic.Pointer[configurationtypes.Config]
}

// NewLive wraps an initial config for hot-reload.
func NewLive(cfg *configurationtypes.Config) *Live {
	l := &Live{}
	l.value.Store(cfg)
	return l
}

// Get returns the current effective config.
func (l *Live) Get() *configurationtypes.Config {
	return l.value.Load()
}

// Watch starts an fsnotify watcher on path and reloads Edge, RateLimit and
// CircuitBreaker on write events, logging failures instead of crashing the
// process. It returns a stop function.
func (l *Live) Watch(path string, logger *zap.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous config", zap.Error(err))
					continue
				}
				current := l.Get()
				next := *current
				next.Edge = reloaded.Edge
				next.RateLimit = reloaded.RateLimit
				next.CircuitBreaker = reloaded.CircuitBreaker
				l.value.Store(&next)
				logger.Info("reloaded edge/rate-limit/circuit-breaker config", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			case <-done:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
