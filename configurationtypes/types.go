// Package configurationtypes holds the TOML-serializable configuration
// structs consumed by every other package. Loading and watching the file on
// disk lives in package config; this package only describes its shape.
package configurationtypes

import (
	"encoding/json"
	"time"
)

// Duration wraps time.Duration so it can be expressed as a TOML/JSON string
// such as "30s" or "5m" instead of a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string. BurntSushi/toml calls this for
// any field whose type implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText is the inverse of UnmarshalText, used when a value holding a
// Duration is re-serialized.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// MarshalJSON/UnmarshalJSON keep Duration usable inside the JSON admin API
// responses without dragging a reflect-based fallback into every handler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ServerConfig is [server] in cdn.toml.
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	Workers            int      `toml:"workers"`
	RequestTimeoutSecs int      `toml:"request_timeout_secs"`
}

// TagsConfig is [cache.tags].
type TagsConfig struct {
	Enabled         bool `toml:"enabled"`
	MaxTagsPerEntry int  `toml:"max_tags_per_entry"`
}

// HierarchyConfig is [cache.hierarchy].
type HierarchyConfig struct {
	Enabled            bool `toml:"enabled"`
	L1SizePercent      int  `toml:"l1_size_percent"`
	L2SizePercent      int  `toml:"l2_size_percent"`
	PromotionThreshold int  `toml:"promotion_threshold"`
}

// CacheConfig is [cache].
type CacheConfig struct {
	MaxSizeMB               int             `toml:"max_size_mb"`
	MaxEntrySizeMB          int             `toml:"max_entry_size_mb"`
	DefaultTTLSecs          int             `toml:"default_ttl_secs"`
	MaxTTLSecs              int             `toml:"max_ttl_secs"`
	StaleWhileRevalidateSecs int            `toml:"stale_while_revalidate_secs"`
	RespectCacheControl     bool            `toml:"respect_cache_control"`
	Tags                    TagsConfig      `toml:"tags"`
	Hierarchy               HierarchyConfig `toml:"hierarchy"`
}

// MaxBytes returns the size budget in bytes.
func (c CacheConfig) MaxBytes() int64 { return int64(c.MaxSizeMB) << 20 }

// MaxEntryBytes returns the per-entry size budget in bytes.
func (c CacheConfig) MaxEntryBytes() int64 { return int64(c.MaxEntrySizeMB) << 20 }

// RateLimitConfig is [rate_limit].
type RateLimitConfig struct {
	Enabled          bool `toml:"enabled"`
	RequestsPerWindow int `toml:"requests_per_window"`
	WindowSecs        int `toml:"window_secs"`
	BurstSize         int `toml:"burst_size"`
}

// CircuitBreakerConfig is [circuit_breaker].
type CircuitBreakerConfig struct {
	FailureThreshold   int `toml:"failure_threshold"`
	ResetTimeoutSecs   int `toml:"reset_timeout_secs"`
	SuccessThreshold   int `toml:"success_threshold"`
	HalfOpenMaxProbes  int `toml:"half_open_max_probes"`
}

// TLSConfig is [tls]. Out of scope per spec.md §1 — carried only as an
// interface contract so [tls] in cdn.toml round-trips; no TLS is terminated
// by this module.
type TLSConfig struct {
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
}

// AdminConfig is [admin].
type AdminConfig struct {
	AuthEnabled bool     `toml:"auth_enabled"`
	AuthToken   string   `toml:"auth_token"`
	AllowedIPs  []string `toml:"allowed_ips"`
}

// OriginConfig is one [origins.<name>] table.
type OriginConfig struct {
	Name                        string            `toml:"-"`
	URL                         string            `toml:"url"`
	HostHeader                  string            `toml:"host_header"`
	TimeoutSecs                 int               `toml:"timeout_secs"`
	MaxRetries                  int               `toml:"max_retries"`
	Headers                     map[string]string `toml:"headers"`
	HealthCheckPath             string            `toml:"health_check_path"`
	HealthCheckIntervalSecs     int               `toml:"health_check_interval_secs"`
	HealthCheckTimeoutSecs      int               `toml:"health_check_timeout_secs"`
}

// Timeout returns the configured per-request timeout, defaulting to 10s
// when unset so a misconfigured origin doesn't hang a request forever.
func (o OriginConfig) Timeout() time.Duration {
	if o.TimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.TimeoutSecs) * time.Second
}

// HealthCheckTimeout returns the configured health check timeout,
// defaulting to 5s when unset.
func (o OriginConfig) HealthCheckTimeout() time.Duration {
	if o.HealthCheckTimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.HealthCheckTimeoutSecs) * time.Second
}

// HealthCheckInterval returns the configured health check interval,
// defaulting to 30s when unset.
func (o OriginConfig) HealthCheckInterval() time.Duration {
	if o.HealthCheckIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.HealthCheckIntervalSecs) * time.Second
}

// RewriteCondition optionally restricts a rewrite rule.
type RewriteCondition struct {
	Method string `toml:"method"`
	Header string `toml:"header"`
	Equals string `toml:"equals"`
}

// RewriteRule is one [[edge.rewrites]] entry.
type RewriteRule struct {
	Name        string            `toml:"name"`
	Pattern     string            `toml:"pattern"`
	Replacement string            `toml:"replacement"`
	Stop        bool              `toml:"stop"`
	Condition   *RewriteCondition `toml:"condition"`
}

// HeaderTransform is one [[edge.header_transforms]] entry.
type HeaderTransform struct {
	Name   string `toml:"name"`
	Action string `toml:"action"` // add|remove|replace
	Header string `toml:"header"`
	Value  string `toml:"value"`
}

// RouteRule is one [[edge.routes]] entry: conditionally swap the matched
// origin based on a path prefix and/or a header value. There is no method
// condition on routes.
type RouteRule struct {
	Name       string `toml:"name"`
	PathPrefix string `toml:"path_prefix"`
	Header     string `toml:"header"`
	Equals     string `toml:"equals"`
	Origin     string `toml:"origin"`
}

// EdgeConfig is [edge] (the three ordered rule lists).
type EdgeConfig struct {
	Rewrites        []RewriteRule     `toml:"rewrites"`
	HeaderTransforms []HeaderTransform `toml:"header_transforms"`
	Routes          []RouteRule       `toml:"routes"`
}

// Config is the top-level cdn.toml document.
type Config struct {
	Server         ServerConfig            `toml:"server"`
	Cache          CacheConfig             `toml:"cache"`
	RateLimit      RateLimitConfig         `toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig    `toml:"circuit_breaker"`
	TLS            TLSConfig               `toml:"tls"`
	Admin          AdminConfig             `toml:"admin"`
	Origins        map[string]OriginConfig `toml:"origins"`
	Edge           EdgeConfig              `toml:"edge"`
	LogLevel       string                  `toml:"log_level"`
}
