package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthConfig protects /api/v1/*. A request passes with HTTP Basic
// credentials of a listed user, or with one of APIKeys sent as a Bearer
// token or in X-API-Key.
type AuthConfig struct {
	Users   map[string]string
	APIKeys []string
}

// Paths reachable without credentials.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

func authMiddleware(cfg AuthConfig, log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || cfg.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		log.Debug("api request denied", "path", r.URL.Path, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="tetherd"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (cfg AuthConfig) allows(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		want, known := cfg.Users[user]
		return known && equal(pass, want)
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cfg.validKey(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return cfg.validKey(key)
	}
	return false
}

func (cfg AuthConfig) validKey(key string) bool {
	found := false
	for _, k := range cfg.APIKeys {
		if equal(key, k) {
			found = true
		}
	}
	return found
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
