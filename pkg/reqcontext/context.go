// Package reqcontext defines the context keys threaded through a single
// request's lifetime in the pipeline: its id, arrival time, matched origin
// and cache key. Modeled on the teacher's context package but trimmed to
// what the proxy pipeline actually needs.
package reqcontext

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyArrivalTime
	keyOriginName
	keyCacheKey
	keyCacheKeyDisplayable
	keyClientIP
)

// WithRequestID attaches the per-request id generated at ingress.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the request id, or "" if unset.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}

// WithArrivalTime stamps when the request entered the pipeline.
func WithArrivalTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, keyArrivalTime, t)
}

// ArrivalTime returns the stamped arrival time, or the zero value if unset.
func ArrivalTime(ctx context.Context) time.Time {
	t, _ := ctx.Value(keyArrivalTime).(time.Time)
	return t
}

// WithOriginName records which configured origin a request was routed to.
func WithOriginName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyOriginName, name)
}

// OriginName returns the routed origin's name, or "" if unset.
func OriginName(ctx context.Context) string {
	v, _ := ctx.Value(keyOriginName).(string)
	return v
}

// WithCacheKey attaches the derived cache key and whether callers are
// allowed to surface it (the teacher's "displayable" idiom: the key may
// embed Vary header values a response should not leak to an untrusted
// caller via headers, so call sites opt in explicitly).
func WithCacheKey(ctx context.Context, key string, displayable bool) context.Context {
	ctx = context.WithValue(ctx, keyCacheKey, key)
	return context.WithValue(ctx, keyCacheKeyDisplayable, displayable)
}

// CacheKey returns the derived cache key if the context marked it
// displayable, otherwise "".
func CacheKey(ctx context.Context) string {
	displayable, _ := ctx.Value(keyCacheKeyDisplayable).(bool)
	if !displayable {
		return ""
	}
	key, _ := ctx.Value(keyCacheKey).(string)
	return key
}

// WithClientIP records the resolved client identity used for rate limiting
// and admin IP allowlisting.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

// ClientIP returns the resolved client IP, or "" if unset.
func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(keyClientIP).(string)
	return v
}

// ClientIPFromRequest resolves the client identity in priority order:
// X-Forwarded-For (first hop) then X-Real-IP then the TCP peer address.
func ClientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			first = fwd[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
