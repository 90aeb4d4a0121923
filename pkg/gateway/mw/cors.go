package mw

import (
	"net/http"
	"strings"

	"github.com/voxlingo/voxlingo/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID, X-Vox-Version"
	corsExposedHeaders = "X-Request-ID"
	corsMaxAge         = "600"
)

// CORS allowlists browser origins. Requests without an Origin header pass
// through untouched; non-browser clients never hit this path.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	isAllowed := func(origin string) bool {
		if origin == "" || len(cfg.CORSAllowedOrigins) == 0 {
			return false
		}
		_, ok := cfg.CORSAllowedOrigins[origin]
		return ok
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions &&
			strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""

		if preflight {
			if !isAllowed(origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if isAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
