package rfc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNotModifiedETag(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", `"abc", "def"`)

	if !IsNotModified(r, `"def"`, "") {
		t.Error("expected match against second etag in list")
	}
	if IsNotModified(r, `"xyz"`, "") {
		t.Error("expected no match")
	}
}

func TestIsNotModifiedWildcard(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", "*")
	if !IsNotModified(r, `"anything"`, "") {
		t.Error("wildcard If-None-Match should always match")
	}
}

func TestIsNotModifiedLastModified(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-Modified-Since", "Wed, 21 Oct 2025 07:28:00 GMT")

	if !IsNotModified(r, "", "Wed, 21 Oct 2025 07:28:00 GMT") {
		t.Error("equal timestamps should count as not modified")
	}
	if IsNotModified(r, "", "Wed, 21 Oct 2025 08:00:00 GMT") {
		t.Error("newer Last-Modified should not match")
	}
}

func TestIsNotModifiedETagPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", `"stale"`)
	r.Header.Set("If-Modified-Since", "Wed, 21 Oct 2025 07:28:00 GMT")

	if IsNotModified(r, `"fresh"`, "Wed, 21 Oct 2025 07:28:00 GMT") {
		t.Error("If-None-Match mismatch must take precedence over If-Modified-Since match")
	}
}
