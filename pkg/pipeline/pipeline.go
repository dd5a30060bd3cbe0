// Package pipeline wires rate limiting, edge rewriting, cache lookup,
// coalesced origin fetching and response assembly into the single
// http.Handler the server mounts for the proxy route. Generalized from the
// teacher's SouinBaseHandler (rate-limit/Store/Upstream/Revalidate split)
// into one GET|HEAD /<origin>/<tail> pipeline.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/cachecontrol/cacheobject"
	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/cache"
	"github.com/edgecache-io/screaming-eagle/pkg/cdnerrors"
	"github.com/edgecache-io/screaming-eagle/pkg/circuitbreaker"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/coalescer"
	"github.com/edgecache-io/screaming-eagle/pkg/edge"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
	"github.com/edgecache-io/screaming-eagle/pkg/origin"
	"github.com/edgecache-io/screaming-eagle/pkg/ratelimit"
	"github.com/edgecache-io/screaming-eagle/pkg/reqcontext"
	"github.com/edgecache-io/screaming-eagle/pkg/rfc"
)

// cacheableStatus are the response status codes the engine is willing to
// admit as a full entry: the heuristically cacheable codes of RFC 9110
// §15.1 except 206, which admit never stores.
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true,
	300: true, 301: true, 308: true,
	404: true, 405: true, 410: true, 414: true, 501: true,
}

// Pipeline holds every component ServeHTTP needs. Construct one per
// process and mount ServeHTTP behind the proxy route.
type Pipeline struct {
	cfg      configurationtypes.Config
	clock    clock.Clock
	log      *zap.Logger
	mtr      *metrics.Metrics
	cache    *cache.Engine
	breakers *circuitbreaker.Manager
	limiter  *ratelimit.Limiter
	fetcher  *origin.Fetcher
	coal     *coalescer.Coalescer
	edge     *edge.Engine
}

// New constructs a Pipeline from its wired components.
func New(
	cfg configurationtypes.Config,
	clk clock.Clock,
	log *zap.Logger,
	mtr *metrics.Metrics,
	cacheEngine *cache.Engine,
	breakers *circuitbreaker.Manager,
	limiter *ratelimit.Limiter,
	fetcher *origin.Fetcher,
	coal *coalescer.Coalescer,
	edgeEngine *edge.Engine,
) *Pipeline {
	return &Pipeline{
		cfg: cfg, clock: clk, log: log, mtr: mtr,
		cache: cacheEngine, breakers: breakers, limiter: limiter,
		fetcher: fetcher, coal: coal, edge: edgeEngine,
	}
}

// fetchResult is what the coalescer broadcasts to every waiter on a miss.
type fetchResult struct {
	resp   *origin.Response
	policy cache.Policy
}

// ServeHTTP implements the GET|HEAD /<origin>/<tail> proxy route.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.clock.Now()
	requestID := uuid.NewString()
	ctx := reqcontext.WithRequestID(r.Context(), requestID)
	ctx = reqcontext.WithArrivalTime(ctx, start)
	ctx = reqcontext.WithClientIP(ctx, reqcontext.ClientIPFromRequest(r))

	timeout := p.requestTimeout()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r = r.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("panic recovered in pipeline", zap.Any("panic", rec), zap.String("request_id", requestID))
			if p.mtr != nil {
				p.mtr.RequestsTotal.WithLabelValues("", "500", "BYPASS").Inc()
			}
			cdnerrors.WriteJSON(w, cdnerrors.Internal(requestID, fmt.Errorf("%v", rec)))
		}
	}()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		cdnerrors.WriteJSON(w, cdnerrors.ErrBadRequest)
		return
	}

	if timeout <= 0 {
		status, cacheStatus, originName := p.serve(w, r, start)
		p.reportRequest(r, status, cacheStatus, originName, start)
		return
	}

	// serve runs against a buffered recorder so that if the deadline fires
	// first, nothing has been partially written to w: the coalesced fetch
	// behind it (see coalescedFetch) isn't tied to this context and keeps
	// running for any other waiter on the same key.
	type outcome struct {
		status      int
		cacheStatus cache.Status
		originName  string
	}
	buf := newBufferedResponse()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("panic recovered in pipeline", zap.Any("panic", rec), zap.String("request_id", requestID))
				*buf = *newBufferedResponse()
				cdnerrors.WriteJSON(buf, cdnerrors.Internal(requestID, fmt.Errorf("%v", rec)))
				done <- outcome{status: http.StatusInternalServerError, cacheStatus: cache.StatusBypass}
				return
			}
		}()
		status, cacheStatus, originName := p.serve(buf, r, start)
		done <- outcome{status, cacheStatus, originName}
	}()

	var o outcome
	select {
	case o = <-done:
		buf.flush(w)
	case <-ctx.Done():
		cdnerrors.WriteJSON(w, cdnerrors.ErrRequestTimeout)
		o = outcome{status: http.StatusGatewayTimeout, cacheStatus: cache.StatusBypass}
	}
	p.reportRequest(r, o.status, o.cacheStatus, o.originName, start)
}

func (p *Pipeline) requestTimeout() time.Duration {
	return time.Duration(p.cfg.Server.RequestTimeoutSecs) * time.Second
}

func (p *Pipeline) reportRequest(r *http.Request, status int, cacheStatus cache.Status, originName string, start time.Time) {
	if p.mtr == nil {
		return
	}
	p.mtr.RequestsTotal.WithLabelValues(originName, strconv.Itoa(status), string(cacheStatus)).Inc()
	p.mtr.RequestDurations.WithLabelValues(r.Method, strconv.Itoa(status)).Observe(p.clock.Now().Sub(start).Seconds())
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, start time.Time) (status int, cacheStatus cache.Status, originName string) {
	// 1. Rate limit by client identity.
	identity := reqcontext.ClientIP(r.Context())
	rl := p.limiter.Check(identity)
	if !rl.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		cdnerrors.WriteJSON(w, cdnerrors.ErrRateLimitExceeded)
		return http.StatusTooManyRequests, cache.StatusBypass, ""
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatUint(uint64(rl.Remaining), 10))

	// 2. Parse route: first path segment is the origin name.
	originName, tail, ok := splitOriginPath(r.URL.Path)
	if !ok || !p.fetcher.HasOrigin(originName) {
		cdnerrors.WriteJSON(w, cdnerrors.ErrUnknownOrigin)
		return http.StatusNotFound, cache.StatusBypass, originName
	}

	// 3. Edge rewrite: path rewrite, conditional route override, header
	// transforms on the outgoing request.
	tail, _ = p.edge.Rewriter.Rewrite(tail, r.Method, r.Header)
	if swapped := p.edge.Router.SelectOrigin(tail, r.Method, r.Header); swapped != "" && p.fetcher.HasOrigin(swapped) {
		originName = swapped
	}
	p.edge.HeaderTransformer.Apply(r.Header)
	r = r.WithContext(reqcontext.WithOriginName(r.Context(), originName))

	// 4. Compute cache key (primary form, no Vary yet).
	baseKey := originName + ":" + cache.BaseKey(r)

	// 5. Cache probe.
	result := p.cache.Get(baseKey, originName)
	switch result.Status {
	case cache.StatusHit:
		if p.clientAcceptsCached(r, result.Entry) {
			return p.serveFromCache(w, r, result.Entry, cache.StatusHit, originName, start)
		}

	case cache.StatusStale:
		// Staleness here is already bounded by the origin's own
		// stale-while-revalidate allowance (RFC 5861); a request-side
		// max-stale directive (RFC 9111 5.2.1.2) is a distinct, separate
		// allowance and is not required for the engine to serve it.
		go p.refreshInBackground(originName, tail, r, baseKey)
		return p.serveFromCache(w, r, result.Entry, cache.StatusStale, originName, start)
	}

	// 6. Miss: coalesced fetch through the circuit breaker.
	fr, err := p.coalescedFetch(originName, tail, baseKey, r.Header)
	if err != nil {
		if stale, ok := p.cache.GetStaleForError(baseKey, originName); ok {
			w.Header().Set("Warning", "110 screaming-eagle \"Response is Stale\"")
			return p.serveFromCache(w, r, stale, cache.StatusStaleIfError, originName, start)
		}
		cdnerrors.WriteJSON(w, err)
		return cdnerrors.StatusFor(err), cache.StatusBypass, originName
	}

	// 7. Admit to cache.
	entry := p.admit(fr, r, baseKey, originName, start)

	// 8. Assemble response.
	return p.writeResponse(w, r, fr.resp, entry, cache.StatusMiss, originName, start)
}

// Warm proactively fetches path (in "/<origin>/<tail>" form) and admits it
// to the cache exactly as a real GET would, for the admin warm endpoint.
func (p *Pipeline) Warm(ctx context.Context, path string) (int, error) {
	originName, tail, ok := splitOriginPath(path)
	if !ok || !p.fetcher.HasOrigin(originName) {
		return 0, cdnerrors.ErrUnknownOrigin
	}

	tail, _ = p.edge.Rewriter.Rewrite(tail, http.MethodGet, http.Header{})
	if swapped := p.edge.Router.SelectOrigin(tail, http.MethodGet, http.Header{}); swapped != "" && p.fetcher.HasOrigin(swapped) {
		originName = swapped
	}

	req := &http.Request{Method: http.MethodGet, Header: http.Header{}, URL: &url.URL{Path: path}}
	baseKey := originName + ":" + cache.BaseKey(req)

	fr, err := p.coalescedFetch(originName, tail, baseKey, http.Header{})
	if err != nil {
		return 0, err
	}
	p.admit(fr, req, baseKey, originName, p.clock.Now())
	return fr.resp.StatusCode, nil
}

// splitOriginPath splits "/api/widgets" into ("api", "/widgets", true).
func splitOriginPath(path string) (origin, tail string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		if trimmed == "" {
			return "", "", false
		}
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}

// coalescedFetch runs the origin fetch for baseKey, or joins an already
// in-flight one. The fetch itself runs on its own background context, not
// the caller's: a singleflight call is shared across every waiter on the
// key, so tying it to one caller's request deadline would cut the fetch out
// from under every other waiter the moment that one caller's clock expired.
func (p *Pipeline) coalescedFetch(originName, tail, baseKey string, reqHeader http.Header) (fetchResult, error) {
	res := coalescer.Do(p.coal, baseKey, func() (fetchResult, error) {
		if !p.breakers.ShouldAllow(originName) {
			return fetchResult{}, cdnerrors.ErrCircuitOpen
		}

		resp, err := p.fetcher.Fetch(context.Background(), originName, tail, "", reqHeader)
		if err != nil {
			p.breakers.RecordFailure(originName)
			if p.mtr != nil {
				p.mtr.OriginErrors.WithLabelValues(originName, classifyErrorReason(err)).Inc()
			}
			return fetchResult{}, err
		}

		// A well-formed 5xx left after the fetcher's retries is still a
		// response, not a transport failure: it is passed back to the caller,
		// and a 501 is admitted to the cache like any other cacheable status.
		// It does still count against the breaker, since a misbehaving origin
		// should trip it even while answering with valid HTTP.
		if resp.StatusCode >= 500 {
			p.breakers.RecordFailure(originName)
		} else {
			p.breakers.RecordSuccess(originName)
		}
		if p.mtr != nil {
			p.mtr.OriginRequests.WithLabelValues(originName, strconv.Itoa(resp.StatusCode)).Inc()
		}

		policy, _ := cache.DerivePolicy(dummyRequestForPolicy(reqHeader), responseForPolicy(resp), p.cfg.Cache.RespectCacheControl,
			time.Duration(p.cfg.Cache.DefaultTTLSecs)*time.Second, time.Duration(p.cfg.Cache.MaxTTLSecs)*time.Second)
		return fetchResult{resp: resp, policy: policy}, nil
	})
	return res.Value, res.Err
}

// clientAcceptsCached applies the request's own Cache-Control max-age
// directive (RFC 9111 5.2.1.1) against a fresh hit: a client demanding a
// tighter max-age than the entry's current Age forces a fresh fetch
// instead of serving what would otherwise be a valid hit.
func (p *Pipeline) clientAcceptsCached(r *http.Request, entry *cache.Entry) bool {
	co, err := cacheobject.ParseRequestCacheControl(rfc.HeaderAllCommaSepValuesString(r.Header, "Cache-Control"))
	if err != nil || co == nil {
		return true
	}
	age := int64(p.clock.Now().Sub(entry.CreatedAt) / time.Second)
	resp := &http.Response{Header: http.Header{"Age": []string{strconv.FormatInt(age, 10)}}}
	return rfc.ValidateMaxAgeCachedResponse(co, resp) != nil
}

func classifyErrorReason(err error) string {
	switch {
	case cdnerrors.StatusFor(err) == http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "network_error"
	}
}

// refreshInBackground performs a stale-while-revalidate refresh. Like any
// coalescedFetch, it runs on its own background context regardless of the
// request that triggered it, so it isn't cut short by that request's
// lifecycle.
func (p *Pipeline) refreshInBackground(originName, tail string, orig *http.Request, baseKey string) {
	if _, err := p.coalescedFetch(originName, tail, baseKey, orig.Header); err != nil {
		p.log.Warn("background revalidation failed", zap.String("origin", originName), zap.Error(err))
	}
}

// admit stores fr's response into the cache when admission criteria are
// met, returning the entry that should be served for this request (nil
// when admission was skipped, in which case the raw fetch result is served
// with X-Cache: BYPASS).
func (p *Pipeline) admit(fr fetchResult, r *http.Request, baseKey, originName string, now time.Time) *cache.Entry {
	if r.Method != http.MethodGet || !fr.policy.Cacheable || fr.policy.TTL <= 0 {
		return nil
	}
	if !cacheableStatus[fr.resp.StatusCode] || fr.resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	if int64(len(fr.resp.Body)) > p.cfg.Cache.MaxEntryBytes() {
		return nil
	}

	header := fr.resp.Header.Clone()
	etag := header.Get("ETag")
	if etag == "" {
		etag = cache.SynthesizeETag(fr.resp.Body)
		header.Set("ETag", etag)
	}

	if !rfc.ValidateCacheControl(&http.Response{
		Header:  header,
		Request: r.WithContext(reqcontext.WithOriginName(r.Context(), originName)),
	}) {
		p.log.Warn("malformed Cache-Control from origin", zap.String("origin", originName))
	}

	entry := cache.NewEntry(fr.resp.Body, header, fr.resp.StatusCode, p.clock.Now())
	entry.ETag = etag
	entry.LastModified = header.Get("Last-Modified")
	entry.ExpiresAt = p.clock.Now().Add(fr.policy.TTL)
	entry.StaleWhileRevalidateSecs = fr.policy.StaleWhileRevalidateSecs
	entry.StaleIfErrorSecs = fr.policy.StaleIfErrorSecs
	entry.Tags = p.cacheTags(header, originName)

	vary := cache.VaryHeaderNames(header)
	key := cache.VariedKey(r, baseKey, vary)
	p.cache.Put(key, entry)
	if key != baseKey {
		p.cache.Put(baseKey, entry)
	}
	return entry
}

// maxTagBytes bounds a single tag's length; longer tags are truncated and
// the truncation is logged, per the tags config section.
const maxTagBytes = 64

// defaultMaxTagsPerEntry applies when cache.tags.max_tags_per_entry is unset.
const defaultMaxTagsPerEntry = 10

// cacheTags extracts surrogate keys from an origin response when
// cache.tags.enabled, bounding the count at max_tags_per_entry and each
// tag's length at maxTagBytes.
func (p *Pipeline) cacheTags(header http.Header, originName string) []string {
	if !p.cfg.Cache.Tags.Enabled {
		return nil
	}

	var tags []string
	for _, name := range []string{"Cache-Tag", "Surrogate-Key"} {
		if v := header.Get(name); v != "" {
			tags = append(tags, strings.Fields(v)...)
		}
	}

	for i, tag := range tags {
		if len(tag) > maxTagBytes {
			tags[i] = tag[:maxTagBytes]
			p.log.Warn("cache tag truncated to max length",
				zap.String("origin", originName), zap.Int("max_bytes", maxTagBytes))
		}
	}

	maxTags := p.cfg.Cache.Tags.MaxTagsPerEntry
	if maxTags <= 0 {
		maxTags = defaultMaxTagsPerEntry
	}
	if len(tags) > maxTags {
		p.log.Warn("cache tags truncated to max_tags_per_entry",
			zap.String("origin", originName), zap.Int("dropped", len(tags)-maxTags))
		tags = tags[:maxTags]
	}
	return tags
}

func (p *Pipeline) serveFromCache(w http.ResponseWriter, r *http.Request, entry *cache.Entry, status cache.Status, originName string, start time.Time) (int, cache.Status, string) {
	if rfc.IsNotModified(r, entry.ETag, entry.LastModified) {
		p.assembleCommonHeaders(w, r, status, originName, entry)
		rfc.WriteNotModified(w, entry.Header)
		return http.StatusNotModified, status, originName
	}

	code := entry.StatusCode
	body := entry.Body

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		br, multi, err := rfc.ParseRangeHeader(rangeHeader, int64(len(body)))
		switch {
		case err != nil:
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(body)))
			p.assembleCommonHeaders(w, r, status, originName, entry)
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return http.StatusRequestedRangeNotSatisfiable, status, originName
		case !multi:
			body = rfc.ExtractRange(body, br)
			code = http.StatusPartialContent
			w.Header().Set("Content-Range", br.ContentRange(int64(len(entry.Body))))
		}
	}

	for h, v := range entry.Header {
		w.Header()[h] = v
	}
	p.assembleCommonHeaders(w, r, status, originName, entry)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	return code, status, originName
}

func (p *Pipeline) writeResponse(w http.ResponseWriter, r *http.Request, resp *origin.Response, entry *cache.Entry, status cache.Status, originName string, start time.Time) (int, cache.Status, string) {
	if entry == nil {
		status = cache.StatusBypass
		for h, v := range resp.Header {
			w.Header()[h] = v
		}
		p.assembleCommonHeaders(w, r, status, originName, nil)
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
		w.WriteHeader(resp.StatusCode)
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
		return resp.StatusCode, status, originName
	}
	return p.serveFromCache(w, r, entry, status, originName, start)
}

func (p *Pipeline) assembleCommonHeaders(w http.ResponseWriter, r *http.Request, status cache.Status, originName string, entry *cache.Entry) {
	now := p.clock.Now()
	h := w.Header()
	h.Set("Date", now.Format(http.TimeFormat))
	h.Set("Via", "1.1 screaming-eagle")
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Cache", string(status))

	key := originName + ":" + cache.BaseKey(r)
	h.Set("X-Cache-Key", key)

	if entry != nil {
		age := int64(now.Sub(entry.CreatedAt) / time.Second)
		if age < 0 {
			age = 0
		}
		if existing := h.Get("Age"); existing != "" {
			if prior, err := strconv.ParseInt(existing, 10, 64); err == nil {
				age += prior
			}
		}
		h.Set("Age", strconv.FormatInt(age, 10))
	}

	switch status {
	case cache.StatusHit:
		h.Set("Cache-Status", "screaming-eagle; hit; key="+key)
	case cache.StatusStale, cache.StatusStaleIfError:
		h.Set("Cache-Status", "screaming-eagle; hit; key="+key)
		rfc.HitStaleCache(&h)
	case cache.StatusMiss:
		rfc.SetRequestCacheStatus(&h, "MISS", "screaming-eagle")
	case cache.StatusBypass:
		rfc.SetRequestCacheStatus(&h, "BYPASS", "screaming-eagle")
	}
}

// dummyRequestForPolicy/responseForPolicy adapt origin.Response's plain
// header map to the *http.Request/*http.Response shapes cache.DerivePolicy
// expects, without constructing a real network round trip.
func dummyRequestForPolicy(reqHeader http.Header) *http.Request {
	return &http.Request{Header: reqHeader}
}

func responseForPolicy(resp *origin.Response) *http.Response {
	return &http.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(nil)}
}
