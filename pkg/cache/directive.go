package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives holds the subset of Cache-Control (RFC 9111 §5.2) this engine
// acts on. Parsed by hand rather than through a directive struct borrowed
// from elsewhere, mirroring how the original CDN's cache module parses its
// own Cache-Control directly instead of going through a generic HTTP
// caching library.
type Directives struct {
	NoCache              bool
	NoStore              bool
	Private              bool
	Public               bool
	MustRevalidate       bool
	MaxAge               *int
	SMaxAge              *int
	StaleWhileRevalidate *int
	StaleIfError         *int
}

// ParseDirectives parses a Cache-Control header value into Directives.
// Unknown directives are ignored per RFC 9111 §5.2.
func ParseDirectives(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch {
		case part == "no-cache":
			d.NoCache = true
		case part == "no-store":
			d.NoStore = true
		case part == "private":
			d.Private = true
		case part == "public":
			d.Public = true
		case part == "must-revalidate":
			d.MustRevalidate = true
		case strings.HasPrefix(part, "max-age="):
			d.MaxAge = parseIntPtr(part[len("max-age="):])
		case strings.HasPrefix(part, "s-maxage="):
			d.SMaxAge = parseIntPtr(part[len("s-maxage="):])
		case strings.HasPrefix(part, "stale-while-revalidate="):
			d.StaleWhileRevalidate = parseIntPtr(part[len("stale-while-revalidate="):])
		case strings.HasPrefix(part, "stale-if-error="):
			d.StaleIfError = parseIntPtr(part[len("stale-if-error="):])
		}
	}
	return d
}

func parseIntPtr(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &n
}

// IsCacheable reports whether a response with these directives may be
// stored at all, per RFC 9111 §3: no-store and private (for a shared cache
// like this one) both forbid storage.
func (d Directives) IsCacheable() bool {
	return !d.NoStore && !d.Private
}

// TTL computes the freshness lifetime for a response, preferring s-maxage
// over max-age over the engine's configured default, capped at maxTTL —
// RFC 9111 §4.2.1's precedence rules for a shared cache.
func (d Directives) TTL(defaultTTL, maxTTL time.Duration) time.Duration {
	ttl := defaultTTL
	switch {
	case d.SMaxAge != nil:
		ttl = time.Duration(*d.SMaxAge) * time.Second
	case d.MaxAge != nil:
		ttl = time.Duration(*d.MaxAge) * time.Second
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

// Policy is the admission/freshness decision derived from a response.
type Policy struct {
	Cacheable                bool
	TTL                      time.Duration
	StaleWhileRevalidateSecs int
	StaleIfErrorSecs         int
	MustRevalidate           bool
}

// DerivePolicy inspects resp's Cache-Control and decides whether/how to
// store it. When respectCacheControl is false the response is always
// stored for defaultTTL (capped at maxTTL) regardless of directives,
// except an explicit no-store request directive is still honored — a CDN
// operator choosing to override origin caching policy doesn't get to
// override the client's explicit refusal to have its request stored.
func DerivePolicy(req *http.Request, resp *http.Response, respectCacheControl bool, defaultTTL, maxTTL time.Duration) (Policy, bool) {
	reqDirectives := ParseDirectives(req.Header.Get("Cache-Control"))
	if reqDirectives.NoStore {
		return Policy{}, true
	}

	respDirectives := ParseDirectives(resp.Header.Get("Cache-Control"))

	if respectCacheControl && !respDirectives.IsCacheable() {
		return Policy{}, true
	}

	ttl := defaultTTL
	if respectCacheControl {
		ttl = respDirectives.TTL(defaultTTL, maxTTL)
	} else if ttl > maxTTL {
		ttl = maxTTL
	}

	p := Policy{
		Cacheable:      true,
		TTL:            ttl,
		MustRevalidate: respectCacheControl && respDirectives.MustRevalidate,
	}
	if respDirectives.StaleWhileRevalidate != nil {
		p.StaleWhileRevalidateSecs = *respDirectives.StaleWhileRevalidate
	}
	if respDirectives.StaleIfError != nil {
		p.StaleIfErrorSecs = *respDirectives.StaleIfError
	}
	return p, false
}
