// Package edge implements the ordered URL-rewrite, header-transform, and
// conditional-routing rule engine applied before a request reaches the
// cache key computation or origin dispatch.
package edge

import (
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
)

type compiledRewrite struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
	stop        bool
	condition   *configurationtypes.RewriteCondition
}

// Rewriter applies an ordered set of path rewrite rules, each at most once
// per rule per request.
type Rewriter struct {
	rules []compiledRewrite
}

// NewRewriter compiles rules, skipping (and logging) any with an invalid
// regexp pattern so one bad config entry doesn't take down the engine.
func NewRewriter(rules []configurationtypes.RewriteRule, log *zap.Logger) *Rewriter {
	compiled := make([]compiledRewrite, 0, len(rules))
	for _, r := range rules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Warn("failed to compile rewrite pattern", zap.String("rule", r.Name), zap.Error(err))
			continue
		}
		compiled = append(compiled, compiledRewrite{
			name:        r.Name,
			pattern:     pattern,
			replacement: r.Replacement,
			stop:        r.Stop,
			condition:   r.Condition,
		})
	}
	return &Rewriter{rules: compiled}
}

// Rewrite applies every matching rule in order, returning the rewritten
// path and whether any rule actually changed it.
func (rw *Rewriter) Rewrite(path string, method string, header http.Header) (string, bool) {
	current := path
	rewritten := false

	for _, rule := range rw.rules {
		if rule.condition != nil && !matchesCondition(rule.condition, method, header) {
			continue
		}
		if !rule.pattern.MatchString(current) {
			continue
		}
		next := rule.pattern.ReplaceAllString(current, rule.replacement)
		if next != current {
			current = next
			rewritten = true
		}
		if rule.stop {
			break
		}
	}

	return current, rewritten
}

func matchesCondition(c *configurationtypes.RewriteCondition, method string, header http.Header) bool {
	if c.Method != "" && c.Method != method {
		return false
	}
	if c.Header != "" && header.Get(c.Header) != c.Equals {
		return false
	}
	return true
}

// HeaderTransformer applies an ordered set of add/remove/replace header
// transforms to the outgoing origin request.
type HeaderTransformer struct {
	transforms []configurationtypes.HeaderTransform
}

// NewHeaderTransformer builds a HeaderTransformer.
func NewHeaderTransformer(transforms []configurationtypes.HeaderTransform) *HeaderTransformer {
	return &HeaderTransformer{transforms: transforms}
}

// Apply mutates header in place according to the configured transforms,
// applied in order.
func (ht *HeaderTransformer) Apply(header http.Header) {
	for _, t := range ht.transforms {
		switch t.Action {
		case "add":
			header.Add(t.Header, t.Value)
		case "remove":
			header.Del(t.Header)
		case "replace":
			header.Set(t.Header, t.Value)
		}
	}
}

// Router holds the route rules as configured, with no compilation step
// since they match on prefix/equality rather than regexp.
type Router struct {
	rules []configurationtypes.RouteRule
}

// NewRouter builds a Router over the configured route rules.
func NewRouter(rules []configurationtypes.RouteRule) *Router {
	return &Router{rules: rules}
}

// SelectOrigin returns the origin name the first matching route rule names,
// or "" if none match and the caller should fall back to its default.
func (rt *Router) SelectOrigin(path, method string, header http.Header) string {
	for _, r := range rt.rules {
		if r.PathPrefix != "" && !pathHasPrefix(path, r.PathPrefix) {
			continue
		}
		if r.Header != "" && header.Get(r.Header) != r.Equals {
			continue
		}
		return r.Origin
	}
	return ""
}

func pathHasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}

// Engine bundles the three rule stages in application order: rewrite,
// route, then header transform.
type Engine struct {
	Rewriter   *Rewriter
	Router     *Router
	HeaderTransformer *HeaderTransformer
}

// New builds an Engine from [edge] configuration.
func New(cfg configurationtypes.EdgeConfig, log *zap.Logger) *Engine {
	return &Engine{
		Rewriter:          NewRewriter(cfg.Rewrites, log),
		Router:            NewRouter(cfg.Routes),
		HeaderTransformer: NewHeaderTransformer(cfg.HeaderTransforms),
	}
}
