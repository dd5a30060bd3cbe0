// Package healthcheck periodically pings each origin's health_check_path
// and tracks consecutive failures. The result is informational (reported
// by the admin origins-health endpoint); the pipeline does not consult it
// and it never changes circuit breaker state.
package healthcheck

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
)

// Status is an origin's current health classification.
type Status int

const (
	Unknown Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// unhealthyThreshold consecutive failures before an origin flips Unhealthy.
const unhealthyThreshold = 3

// Health is one origin's latest health snapshot.
type Health struct {
	Status              Status
	LastCheck           time.Time
	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
	ResponseTime        time.Duration
	ErrorMessage        string
}

// Checker runs health checks for every origin that has a health_check_path
// configured and tracks the latest Health per origin.
type Checker struct {
	client  *http.Client
	clock   clock.Clock
	log     *zap.Logger
	origins map[string]configurationtypes.OriginConfig

	mu     sync.RWMutex
	status map[string]Health
}

// New constructs a Checker. Origins without a health_check_path are tracked
// as Unknown and never actively probed.
func New(origins map[string]configurationtypes.OriginConfig, clk clock.Clock, log *zap.Logger) *Checker {
	status := make(map[string]Health, len(origins))
	for name := range origins {
		status[name] = Health{Status: Unknown}
	}
	return &Checker{
		client:  &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 10, IdleConnTimeout: 30 * time.Second}},
		clock:   clk,
		log:     log,
		origins: origins,
		status:  status,
	}
}

// GetStatus returns the current health of origin, and false if origin is
// unknown to this checker.
func (c *Checker) GetStatus(origin string) (Health, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.status[origin]
	return h, ok
}

// AllStatuses snapshots every tracked origin's health.
func (c *Checker) AllStatuses() map[string]Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Health, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// IsHealthy reports whether origin is not known to be unhealthy. Unknown
// origins (no check configured, or never checked yet) count as healthy.
func (c *Checker) IsHealthy(origin string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.status[origin]
	if !ok {
		return true
	}
	return h.Status == Healthy || h.Status == Unknown
}

// CheckOrigin performs one health check against origin and records the
// result, returning the resulting status.
func (c *Checker) CheckOrigin(ctx context.Context, origin string) Status {
	o, ok := c.origins[origin]
	if !ok {
		c.log.Warn("unknown origin for health check", zap.String("origin", origin))
		return Unknown
	}
	if o.HealthCheckPath == "" {
		return Unknown
	}

	url := trimSlash(o.URL) + o.HealthCheckPath
	timeout := o.HealthCheckTimeout()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.clock.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	var resp *http.Response
	if err == nil {
		resp, err = c.client.Do(req)
	}
	elapsed := c.clock.Now().Sub(start)
	now := c.clock.Now()

	c.mu.Lock()
	h := c.status[origin]
	h.LastCheck = now
	h.ResponseTime = elapsed

	switch {
	case err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300:
		resp.Body.Close()
		h.Status = Healthy
		h.LastSuccess = now
		h.ConsecutiveFailures = 0
		h.ErrorMessage = ""
		c.log.Info("health check passed", zap.String("origin", origin), zap.Int("status", resp.StatusCode))
	case err == nil:
		resp.Body.Close()
		h.ConsecutiveFailures++
		h.LastFailure = now
		h.ErrorMessage = http.StatusText(resp.StatusCode)
		if h.ConsecutiveFailures >= unhealthyThreshold {
			h.Status = Unhealthy
		}
		c.log.Warn("health check failed: non-success status",
			zap.String("origin", origin), zap.Int("status", resp.StatusCode), zap.Int("consecutive_failures", h.ConsecutiveFailures))
	default:
		h.ConsecutiveFailures++
		h.LastFailure = now
		h.ErrorMessage = err.Error()
		if h.ConsecutiveFailures >= unhealthyThreshold {
			h.Status = Unhealthy
		}
		c.log.Error("health check failed: connection error",
			zap.String("origin", origin), zap.Error(err), zap.Int("consecutive_failures", h.ConsecutiveFailures))
	}

	status := h.Status
	c.status[origin] = h
	c.mu.Unlock()

	return status
}

// CheckAll runs CheckOrigin for every configured origin.
func (c *Checker) CheckAll(ctx context.Context) {
	for name := range c.origins {
		c.CheckOrigin(ctx, name)
	}
}

// Run starts one background probing loop per origin that has a
// health_check_path, each on its own interval, until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, o := range c.origins {
		if o.HealthCheckPath == "" {
			c.log.Debug("skipping health checks, no path configured", zap.String("origin", name))
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration) {
			defer wg.Done()
			c.runLoop(ctx, name, interval)
		}(name, o.HealthCheckInterval())
	}
	wg.Wait()
}

func (c *Checker) runLoop(ctx context.Context, origin string, interval time.Duration) {
	c.log.Info("starting health check task", zap.String("origin", origin), zap.Duration("interval", interval))
	c.CheckOrigin(ctx, origin)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutting down health check task", zap.String("origin", origin))
			return
		case <-ticker.C:
			c.CheckOrigin(ctx, origin)
		}
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
