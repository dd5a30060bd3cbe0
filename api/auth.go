// Package api implements the admin HTTP surface: bearer-token/IP-allowlist
// protected status and purge endpoints, plus the Prometheus exposition
// handler. Grounded on the teacher's SouinAPI/PrometheusAPI split.
package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/reqcontext"
)

// Auth guards the admin endpoints with an optional bearer token and an
// optional CIDR/exact-match IP allowlist.
type Auth struct {
	cfg configurationtypes.AdminConfig
	log *zap.Logger
	nets []*net.IPNet
}

// NewAuth builds an Auth, pre-parsing any CIDR entries in AllowedIPs so the
// hot path never re-parses them.
func NewAuth(cfg configurationtypes.AdminConfig, log *zap.Logger) *Auth {
	a := &Auth{cfg: cfg, log: log}
	for _, entry := range cfg.AllowedIPs {
		if !strings.Contains(entry, "/") {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			a.nets = append(a.nets, ipnet)
		}
	}
	return a
}

// Middleware wraps next, rejecting requests that fail the IP allowlist or
// bearer-token check. A no-op when auth is disabled in config.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := reqcontext.ClientIPFromRequest(r)
		if !a.isIPAllowed(ip) {
			a.log.Warn("admin request from non-allowed IP", zap.String("ip", ip))
			http.Error(w, "access denied: IP not in allowlist", http.StatusForbidden)
			return
		}

		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		switch {
		case authHeader == "":
			http.Error(w, "authentication required: use Authorization: Bearer <token>", http.StatusUnauthorized)
			return
		case !ok:
			http.Error(w, "authorization header must use Bearer scheme", http.StatusUnauthorized)
			return
		case !a.verifyToken(token):
			a.log.Warn("invalid admin token", zap.String("ip", ip))
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// verifyToken compares token against the configured admin token in constant
// time. An unconfigured token always denies, even with auth enabled.
func (a *Auth) verifyToken(token string) bool {
	if a.cfg.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AuthToken)) == 1
}

func (a *Auth) isIPAllowed(ip string) bool {
	if len(a.cfg.AllowedIPs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, entry := range a.cfg.AllowedIPs {
		if !strings.Contains(entry, "/") {
			if entry == ip {
				return true
			}
			continue
		}
	}
	if parsed == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
