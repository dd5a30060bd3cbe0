package rfc

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/cachecontrol/cacheobject"

	"github.com/edgecache-io/screaming-eagle/pkg/reqcontext"
)

// StoredTTLHeader and StoredLengthHeader name internal headers on a stored
// response. SetCacheStatusHeader reads and removes StoredTTLHeader to report
// the remaining TTL; the cache engine does not set either header.
const (
	StoredTTLHeader    = "X-Cache-Stored-TTL"
	StoredLengthHeader = "X-Cache-Stored-Length"
)

var emptyHeaders = []string{"Expires", "Last-Modified"}

func validateTimeHeader(headers *http.Header, h, t, cacheName string) bool {
	if _, err := http.ParseTime(t); err != nil {
		setMalformedHeader(headers, h, cacheName)
		return false
	}
	return true
}

func validateEmptyHeaders(headers *http.Header, cacheName string) {
	for _, h := range emptyHeaders {
		if v := headers.Get(h); v != "" {
			if !validateTimeHeader(headers, strings.ToUpper(h), v, cacheName) {
				return
			}
		}
	}
}

// SetRequestCacheStatus sets the Cache-Status fwd=request detail per RFC
// 9211 when a response was not served from cache.
func SetRequestCacheStatus(h *http.Header, detail, cacheName string) {
	h.Set("Cache-Status", cacheName+"; fwd=request; detail="+detail)
}

// ValidateCacheControl reports whether r's Cache-Control header parses. A
// malformed header is stamped into Cache-Status and the response is still
// returned, never dropped, mirroring RFC 9111 §5.2's "ignore unrecognized
// directives" guidance applied to outright parse failures.
func ValidateCacheControl(r *http.Response) bool {
	if _, err := cacheobject.ParseResponseCacheControl(HeaderAllCommaSepValuesString(r.Header, "Cache-Control")); err != nil {
		h := r.Header
		setMalformedHeader(&h, "CACHE-CONTROL", reqcontext.OriginName(r.Request.Context()))
		r.Header = h
		return false
	}
	return true
}

// GetCacheKeyFromCtx exposes the request's cache key when
// reqcontext.WithCacheKey marked it displayable on ctx.
func GetCacheKeyFromCtx(ctx context.Context) string {
	return reqcontext.CacheKey(ctx)
}

// HitStaleCache appends the RFC 9211 fwd=stale directive to an existing
// Cache-Status header when a stale entry is served under
// stale-while-revalidate or stale-if-error.
func HitStaleCache(h *http.Header) {
	h.Set("Cache-Status", h.Get("Cache-Status")+"; fwd=stale")
}

func manageAge(h *http.Header, ttl time.Duration, cacheName, key, storerName string) {
	utc1 := time.Now().UTC()
	dh := h.Get("Date")
	if dh == "" {
		h.Set("Date", utc1.Format(http.TimeFormat))
	} else if !validateTimeHeader(h, "DATE", dh, cacheName) {
		return
	}

	utc2, err := http.ParseTime(h.Get("Date"))
	if err != nil {
		return
	}

	if h.Get(StoredTTLHeader) != "" {
		ttl, _ = time.ParseDuration(h.Get(StoredTTLHeader))
		h.Del(StoredTTLHeader)
	}

	apparentAge := utc1.Sub(utc2)
	if apparentAge < 0 {
		apparentAge = 0
	}

	oldAge, err := strconv.Atoi(h.Get("Age"))
	if err != nil {
		oldAge = 0
	}

	cage := int(math.Ceil(apparentAge.Seconds()))
	h.Set("Age", strconv.Itoa(oldAge+cage))
	ttlValue := strconv.Itoa(int(ttl.Seconds()) - cage)
	h.Set("Cache-Status", cacheName+"; hit; ttl="+ttlValue+"; key="+key+"; detail="+storerName)
}

func setMalformedHeader(headers *http.Header, header, cacheName string) {
	SetRequestCacheStatus(headers, "MALFORMED-"+header, cacheName)
}

// SetCacheStatusHeader stamps Date/Age/Cache-Status on resp for a cache hit,
// using the request's cache key and cacheName as the RFC 9211 identifier.
func SetCacheStatusHeader(resp *http.Response, cacheName, storerName string) *http.Response {
	h := resp.Header
	validateEmptyHeaders(&h, cacheName)
	manageAge(&h, 0, cacheName, reqcontext.CacheKey(resp.Request.Context()), storerName)
	resp.Header = h
	return resp
}
