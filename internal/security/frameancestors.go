// Package security holds the browser-facing security policy middleware.
package security

import (
	"net/http"
	"strings"
)

// FrameAncestors returns middleware that emits the Content-Security-Policy
// frame-ancestors directive from the allowed-hosts set in the settings
// payload. The deployment's own hostname is always permitted, so the
// tool keeps working when a platform proxies it under its own name.
func FrameAncestors(serverName string, allowedHosts []string) func(http.Handler) http.Handler {
	sources := []string{"'self'"}
	seen := map[string]bool{}
	for _, h := range append([]string{serverName}, allowedHosts...) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		sources = append(sources, h)
	}
	policy := "frame-ancestors " + strings.Join(sources, " ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", policy)
			next.ServeHTTP(w, r)
		})
	}
}
