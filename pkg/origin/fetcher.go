// Package origin fetches resources from configured upstreams over HTTP,
// applying a header whitelist, a Host override, and exponential backoff
// with jitter across retries.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/cdnerrors"
)

// forwardedRequestHeaders are the only request headers relayed upstream.
// Anything else (cookies, authorization, host-specific routing headers)
// stays at the edge.
var forwardedRequestHeaders = map[string]bool{
	"accept":            true,
	"accept-encoding":   true,
	"accept-language":   true,
	"if-none-match":     true,
	"if-modified-since": true,
	"range":             true,
}

// forwardedResponseHeaders are copied from the upstream response onto the
// cached entry and client response.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Content-Encoding",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Vary",
	"Content-Disposition",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Max-Age",
	"Accept-Ranges",
	"Content-Length",
	"Content-Range",
	"Cache-Tag",
	"Surrogate-Key",
}

// Response is what the fetcher hands back to the pipeline: everything it
// needs to build a cache entry without holding the network response open.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues requests against named origins with a shared, pooled
// *http.Client per origin.
type Fetcher struct {
	log     *zap.Logger
	origins map[string]configurationtypes.OriginConfig
	clients map[string]*http.Client
}

// New builds a Fetcher. Each origin gets its own client so per-origin
// timeouts and connection pools stay isolated.
func New(origins map[string]configurationtypes.OriginConfig, log *zap.Logger) *Fetcher {
	clients := make(map[string]*http.Client, len(origins))
	for name, o := range origins {
		clients[name] = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   64,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableCompression:    false,
			},
			Timeout: o.Timeout(),
		}
	}
	return &Fetcher{log: log, origins: origins, clients: clients}
}

// HasOrigin reports whether name is a known origin.
func (f *Fetcher) HasOrigin(name string) bool {
	_, ok := f.origins[name]
	return ok
}

// OriginNames lists every configured origin.
func (f *Fetcher) OriginNames() []string {
	names := make([]string, 0, len(f.origins))
	for name := range f.origins {
		names = append(names, name)
	}
	return names
}

// Fetch retrieves path (with optional raw query) from origin, making up to
// the origin's max_retries attempts in all (at least one), with exponential
// backoff plus jitter between them. Connection errors and 5xx responses are
// retried; when the last attempt ends in a 5xx, that response is returned
// without an error. The request context's deadline, if any, bounds the
// whole retry loop.
func (f *Fetcher) Fetch(ctx context.Context, originName, path, rawQuery string, reqHeader http.Header) (*Response, error) {
	o, ok := f.origins[originName]
	if !ok {
		return nil, cdnerrors.ErrUnknownOrigin
	}

	url := buildURL(o.URL, path, rawQuery)
	client := f.clients[originName]

	var lastErr error
	var lastResp *Response
	maxRetries := o.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := f.doFetch(ctx, client, url, o, reqHeader)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		lastResp, lastErr = resp, err
		if err == nil {
			err = fmt.Errorf("origin returned status %d", resp.StatusCode)
		}

		if attempt >= maxRetries {
			f.log.Error("all origin fetch attempts failed",
				zap.String("origin", originName), zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		f.log.Warn("origin fetch failed, retrying",
			zap.String("origin", originName), zap.Int("attempt", attempt), zap.Error(err))

		delay := backoff(attempt, o.Timeout())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if lastErr == nil {
		return lastResp, nil
	}
	return nil, classifyError(lastErr)
}

// backoff returns 100ms*2^(attempt-1), jittered by up to ±25% to avoid
// synchronized retry storms across coalesced waiters, and capped at the
// origin's own request timeout.
func backoff(attempt int, cap time.Duration) time.Duration {
	base := 100 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(base))
	delay := base + jitter
	if delay > cap {
		delay = cap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (f *Fetcher) doFetch(ctx context.Context, client *http.Client, url string, o configurationtypes.OriginConfig, reqHeader http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if o.HostHeader != "" {
		req.Host = o.HostHeader
	}
	for k, v := range o.Headers {
		req.Header.Set(k, v)
	}
	for name, values := range reqHeader {
		if !forwardedRequestHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(forwardedResponseHeaders))
	for _, name := range forwardedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}

	f.log.Debug("received origin response",
		zap.Int("status_code", resp.StatusCode), zap.Int("body_size", len(body)))

	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func buildURL(base, path, rawQuery string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if rawQuery == "" {
		return base + path
	}
	return base + path + "?" + rawQuery
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", cdnerrors.ErrOriginTimeout, err)
	}
	return fmt.Errorf("%w: %v", cdnerrors.ErrOriginUnreachable, err)
}

// ConditionalFetch re-validates a stale cache entry against its origin
// using If-None-Match/If-Modified-Since, returning (nil, nil) on 304.
func (f *Fetcher) ConditionalFetch(ctx context.Context, originName, path, rawQuery, etag, lastModified string) (*Response, error) {
	header := make(http.Header)
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.Fetch(ctx, originName, path, rawQuery, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	return resp, nil
}
