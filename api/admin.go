package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/pkg/cache"
	"github.com/edgecache-io/screaming-eagle/pkg/circuitbreaker"
	"github.com/edgecache-io/screaming-eagle/pkg/coalescer"
	"github.com/edgecache-io/screaming-eagle/pkg/healthcheck"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
	"github.com/edgecache-io/screaming-eagle/pkg/origin"
	"github.com/edgecache-io/screaming-eagle/pkg/pipeline"
)

// Admin bundles the components the admin endpoints report on or mutate.
type Admin struct {
	log      *zap.Logger
	mtr      *metrics.Metrics
	cache    *cache.Engine
	breakers *circuitbreaker.Manager
	coal     *coalescer.Coalescer
	health   *healthcheck.Checker
	fetcher  *origin.Fetcher
	pipe     *pipeline.Pipeline
	started  time.Time
}

// NewAdmin builds an Admin.
func NewAdmin(log *zap.Logger, mtr *metrics.Metrics, cacheEngine *cache.Engine, breakers *circuitbreaker.Manager, coal *coalescer.Coalescer, health *healthcheck.Checker, fetcher *origin.Fetcher, pipe *pipeline.Pipeline) *Admin {
	return &Admin{
		log: log, mtr: mtr, cache: cacheEngine, breakers: breakers, coal: coal,
		health: health, fetcher: fetcher, pipe: pipe, started: time.Now(),
	}
}

// healthResponse is GET /_cdn/health's body shape.
type healthResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	CacheEntries   int     `json:"cache_entries"`
	MemoryUsageMB  float64 `json:"memory_usage_mb"`
}

// Health answers a liveness probe: 200 as long as the process can respond.
func (a *Admin) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(a.started).Seconds(),
		CacheEntries:  a.cache.Stats().TotalEntries,
		MemoryUsageMB: float64(mem.Alloc) / (1 << 20),
	})
}

// Metrics exposes the Prometheus text-format registry.
func (a *Admin) Metrics() http.Handler {
	return promhttp.HandlerFor(a.mtr.Registry, promhttp.HandlerOpts{})
}

// statsResponse is the admin-facing JSON snapshot of cache and coalescer
// health, matching spec.md's /stats schema.
type statsResponse struct {
	Cache     cache.Stats      `json:"cache"`
	Coalescer coalescer.Stats  `json:"coalescer"`
}

// Stats reports the cache engine's and coalescer's current health.
func (a *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Cache:     a.cache.Stats(),
		Coalescer: a.coal.Stats(),
	})
}

// CircuitBreakers reports each origin's breaker state.
func (a *Admin) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	states := a.breakers.AllStates()
	out := make(map[string]string, len(states))
	for origin, state := range states {
		out[origin] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// OriginsHealth reports each origin's health checker status.
func (a *Admin) OriginsHealth(w http.ResponseWriter, r *http.Request) {
	statuses := a.health.AllStatuses()
	out := make(map[string]healthcheck.Health, len(statuses))
	for origin, h := range statuses {
		out[origin] = h
	}
	writeJSON(w, http.StatusOK, out)
}

// purgeRequest is the accepted shape of a POST /_cdn/purge body. Every
// non-empty field is applied; the response reports the union's total.
type purgeRequest struct {
	Keys   []string `json:"keys"`
	Prefix string   `json:"prefix"`
	Tag    string   `json:"tag"`
	Origin string   `json:"origin"`
	All    bool     `json:"all"`
}

// Purge removes cache entries matching any of the request's selectors.
func (a *Admin) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid purge request body", http.StatusBadRequest)
		return
	}

	count := 0
	if req.All {
		count += a.cache.PurgeAll()
		writeJSON(w, http.StatusOK, map[string]int{"purged_count": count})
		return
	}

	for _, key := range req.Keys {
		if a.cache.Invalidate(key) {
			count++
		}
	}
	if req.Prefix != "" {
		count += a.cache.InvalidatePrefix(req.Prefix)
	}
	if req.Tag != "" {
		count += a.cache.InvalidateTag(req.Tag)
	}
	if req.Origin != "" {
		if !a.fetcher.HasOrigin(req.Origin) {
			http.Error(w, "unknown origin", http.StatusBadRequest)
			return
		}
		count += a.cache.InvalidatePrefix(req.Origin + ":")
	}

	writeJSON(w, http.StatusOK, map[string]int{"purged_count": count})
}

// warmRequest is the accepted shape of a POST /_cdn/warm body.
type warmRequest struct {
	URLs []string `json:"urls"`
}

// warmResult reports one URL's outcome from a warm request.
type warmResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Warm proactively fetches each URL (in "/<origin>/<tail>" form) and admits
// it to the cache, reporting a per-URL outcome.
func (a *Admin) Warm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid warm request body", http.StatusBadRequest)
		return
	}

	results := make([]warmResult, 0, len(req.URLs))
	for _, u := range req.URLs {
		status, err := a.pipe.Warm(r.Context(), u)
		if err != nil {
			results = append(results, warmResult{URL: u, Error: err.Error()})
			continue
		}
		results = append(results, warmResult{URL: u, StatusCode: status})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
