package rfc

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// VarySeparator and DecodedHeaderSeparator delimit the Vary-derived suffix
// appended to a cache key: "<base key>\x00name:value\x01name:value...".
// Control bytes are used so they never collide with characters legal in a
// URL or header value.
const (
	VarySeparator          = "\x00"
	DecodedHeaderSeparator = "\x01"
)

// GetVariedCacheKey returns the Vary-derived suffix for rq given the
// response's Vary header values. Empty when headers is empty, i.e. the
// response doesn't vary.
func GetVariedCacheKey(rq *http.Request, headers []string) string {
	if len(headers) == 0 {
		return ""
	}
	parts := make([]string, len(headers))
	for i, v := range headers {
		h := strings.TrimSpace(rq.Header.Get(v))
		if strings.Contains(h, ";") || strings.Contains(h, ":") {
			h = url.QueryEscape(h)
		}
		parts[i] = fmt.Sprintf("%s:%s", v, h)
	}

	return VarySeparator + strings.Join(parts, DecodedHeaderSeparator)
}

// HeaderAllCommaSepValues returns all comma-separated Vary values (each
// trimmed) from headers, per RFC 7230 §3.2.2: multiple occurrences of a
// header are equivalent to one comma-joined value.
func HeaderAllCommaSepValues(headers http.Header) []string {
	return headerAllCommaSepValues(headers, "Vary")
}

// HeaderAllCommaSepValuesString is HeaderAllCommaSepValues for an arbitrary
// header name, used to validate Cache-Control which may also legally repeat.
func HeaderAllCommaSepValuesString(headers http.Header, name string) string {
	return strings.Join(headerAllCommaSepValues(headers, name), ", ")
}

func headerAllCommaSepValues(headers http.Header, name string) []string {
	var vals []string
	for _, val := range headers[http.CanonicalHeaderKey(name)] {
		fields := strings.Split(val, ",")
		for i, f := range fields {
			fields[i] = strings.TrimSpace(f)
		}
		vals = append(vals, fields...)
	}
	return vals
}
