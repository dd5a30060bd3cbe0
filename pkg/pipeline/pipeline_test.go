package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/cache"
	"github.com/edgecache-io/screaming-eagle/pkg/circuitbreaker"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/coalescer"
	"github.com/edgecache-io/screaming-eagle/pkg/edge"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
	"github.com/edgecache-io/screaming-eagle/pkg/origin"
	"github.com/edgecache-io/screaming-eagle/pkg/ratelimit"
)

func newTestPipeline(t *testing.T, originURL string, clk *clock.Manual) *Pipeline {
	t.Helper()

	cfg := configurationtypes.Config{
		Cache: configurationtypes.CacheConfig{
			MaxSizeMB:                16,
			MaxEntrySizeMB:           4,
			DefaultTTLSecs:           60,
			MaxTTLSecs:               3600,
			StaleWhileRevalidateSecs: 30,
			RespectCacheControl:      true,
		},
		RateLimit: configurationtypes.RateLimitConfig{Enabled: false},
		CircuitBreaker: configurationtypes.CircuitBreakerConfig{
			FailureThreshold: 3, ResetTimeoutSecs: 5, SuccessThreshold: 1, HalfOpenMaxProbes: 1,
		},
		Origins: map[string]configurationtypes.OriginConfig{
			"api": {Name: "api", URL: originURL, TimeoutSecs: 5, MaxRetries: 1},
		},
	}

	mtr := metrics.New()
	cacheEngine, err := cache.New(cfg.Cache, clk, mtr)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { cacheEngine.Close() })

	breakers := circuitbreaker.NewManager(cfg.CircuitBreaker, clk, mtr)
	limiter := ratelimit.New(cfg.RateLimit, clk, mtr)
	log := zap.NewNop()
	fetcher := origin.New(cfg.Origins, log)
	coal, err := coalescer.New(mtr)
	if err != nil {
		t.Fatalf("coalescer.New: %v", err)
	}
	edgeEngine := edge.New(cfg.Edge, log)

	return New(cfg, clk, log, mtr, cacheEngine, breakers, limiter, fetcher, coal, edgeEngine)
}

func TestServeMissThenHit(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)

	req1 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec1.Code)
	}
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected MISS on first request, got %q", rec1.Header().Get("X-Cache"))
	}
	if hits != 1 {
		t.Fatalf("expected upstream to be hit once, got %d", hits)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("second request: expected 200, got %d", rec2.Code)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected HIT on second request, got %q", rec2.Header().Get("X-Cache"))
	}
	if hits != 1 {
		t.Fatalf("expected upstream to still be hit once after cache hit, got %d", hits)
	}
	if rec2.Body.String() != "hello" {
		t.Errorf("expected cached body %q, got %q", "hello", rec2.Body.String())
	}
}

func TestServeStaleWhileRevalidate(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Cache-Control", "max-age=10, stale-while-revalidate=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("v1"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)

	req1 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	p.ServeHTTP(httptest.NewRecorder(), req1)
	if hits != 1 {
		t.Fatalf("expected 1 origin hit after priming, got %d", hits)
	}

	clk.Advance(15 * time.Second) // past max-age, within stale-while-revalidate

	req2 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Header().Get("X-Cache") != "STALE" {
		t.Errorf("expected STALE, got %q", rec2.Header().Get("X-Cache"))
	}
	if rec2.Body.String() != "v1" {
		t.Errorf("expected stale body still served, got %q", rec2.Body.String())
	}
}

func TestServeUnknownOrigin(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, "http://127.0.0.1:0", clk)

	req := httptest.NewRequest(http.MethodGet, "/nope/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown origin, got %d", rec.Code)
	}
}

func TestServeRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)
	p.cfg.RateLimit = configurationtypes.RateLimitConfig{Enabled: true, RequestsPerWindow: 1, WindowSecs: 60, BurstSize: 0}
	p.limiter = ratelimit.New(p.cfg.RateLimit, clk, p.mtr)

	req1 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	p.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rec2.Code)
	}
}

func TestServeRequestTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)
	p.cfg.Server.RequestTimeoutSecs = 30

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate a deadline that has already elapsed
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 once the request's deadline has passed, got %d", rec.Code)
	}
}

func TestServeNoTimeoutWhenUnset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk) // Server.RequestTimeoutSecs left at zero

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with request_timeout_secs unset, got %d", rec.Code)
	}
}

func TestCacheTagsFromHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Cache-Tag", "widgets product-42")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)
	p.cfg.Cache.Tags = configurationtypes.TagsConfig{Enabled: true, MaxTagsPerEntry: 10}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	p.ServeHTTP(httptest.NewRecorder(), req)

	if n := p.cache.InvalidateTag("widgets"); n != 1 {
		t.Fatalf("expected 1 entry invalidated by tag, got %d", n)
	}
}

func TestCacheTagsDisabledByDefault(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Cache-Tag", "widgets")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk) // Cache.Tags left at zero value

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	p.ServeHTTP(httptest.NewRecorder(), req)

	if n := p.cache.InvalidateTag("widgets"); n != 0 {
		t.Fatalf("expected tags disabled by default, got %d entries invalidated", n)
	}
}

func TestCacheTagsTruncatedToMax(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Cache-Tag", "a b c d e")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPipeline(t, upstream.URL, clk)
	p.cfg.Cache.Tags = configurationtypes.TagsConfig{Enabled: true, MaxTagsPerEntry: 2}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	p.ServeHTTP(httptest.NewRecorder(), req)

	if n := p.cache.InvalidateTag("a"); n != 1 {
		t.Fatalf("expected tag 'a' to survive truncation, got %d", n)
	}
	if n := p.cache.InvalidateTag("e"); n != 0 {
		t.Fatalf("expected tag 'e' to be dropped past max_tags_per_entry, got %d", n)
	}
}
