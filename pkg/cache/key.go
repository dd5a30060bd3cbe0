package cache

import (
	"net/http"
	"strings"

	"github.com/edgecache-io/screaming-eagle/pkg/rfc"
)

// BaseKey returns the Vary-less cache key for a request: host + path (+
// "?query" when present). This is the two-step probe's first step — look it
// up to discover the stored Vary header, then derive the final key with
// VariedKey.
func BaseKey(r *http.Request) string {
	host := r.Host
	path := r.URL.Path
	if r.URL.RawQuery == "" {
		return host + path
	}
	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	b.WriteByte('?')
	b.WriteString(r.URL.RawQuery)
	return b.String()
}

// VariedKey appends the Vary-derived suffix (per RFC 9111 §4.1) for the
// header names in vary to base. Returns base unchanged when vary is empty.
func VariedKey(r *http.Request, base string, vary []string) string {
	return base + rfc.GetVariedCacheKey(r, vary)
}

// VaryHeaderNames splits a response's Vary header into trimmed header
// names, or nil when absent.
func VaryHeaderNames(header http.Header) []string {
	return rfc.HeaderAllCommaSepValues(header)
}
