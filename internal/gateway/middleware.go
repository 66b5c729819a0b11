package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	hstsMaxAge      = 365 * 24 * 60 * 60
	maxRequestBytes = 64 << 10
)

// responseHeaders sets the headers every response carries. The service
// only speaks JSON, so browser document policies (CSP, frame options) are
// left out. Usage and cost figures change per request and are never cached.
func responseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(hstsMaxAge)+"; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		if isAPIPath(r.URL.Path) {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// requireJSON rejects API writes that declare a non-JSON body. An empty
// Content-Type is accepted for bodiless admin actions.
func (g *Gateway) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && isAPIPath(r.URL.Path) {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
				g.writeError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		next.ServeHTTP(w, r)
	})
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/admin/")
}

// backend errors can carry DSNs or keys
var sensitiveMarkers = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"authorization",
	"bearer",
	"postgres://",
	"redis://",
	"supabase.co",
}

func containsSensitiveInfo(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
