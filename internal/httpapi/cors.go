package httpapi

import (
	"net/http"
	"strings"

	"restock_monitor/internal/config"
)

const (
	corsAllowHeaders = "Content-Type, Authorization"
	corsAllowMethods = "GET, POST, OPTIONS"
	corsMaxAge       = "600"
)

// corsMiddleware guards the read-mostly status API. OPTIONS never reaches next.
func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")

		if allowed := matchOrigin(cfg, r.Header.Get("Origin")); allowed != "" {
			h.Set("Access-Control-Allow-Origin", allowed)
			if cfg.AllowCredentials && allowed != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchOrigin returns the value for Access-Control-Allow-Origin, or "" when
// the origin is not allowed. With credentials enabled a wildcard echoes the
// caller's origin, since browsers reject "*" alongside credentials.
func matchOrigin(cfg config.CorsConfig, origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range cfg.AllowOrigins {
		o = strings.TrimSpace(o)
		switch {
		case o == "*" && cfg.AllowCredentials:
			return origin
		case o == "*":
			return "*"
		case strings.EqualFold(strings.TrimSuffix(o, "/"), origin):
			return origin
		}
	}
	return ""
}
