// Package http pkg/http/middleware.go
package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// CommonMiddleware logs each request and applies CORS headers for the
// configured origins. Preflight requests are answered directly.
func CommonMiddleware(next http.Handler, corsConfig models.CORSConfig, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().
			Str("remote", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request received")

		if origin := allowedOrigin(r.Header.Get("Origin"), corsConfig.AllowedOrigins); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if corsConfig.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(origin string, allowed []string) string {
	if origin == "" {
		return ""
	}

	for _, candidate := range allowed {
		if candidate == "*" {
			return "*"
		}

		if strings.EqualFold(candidate, origin) {
			return origin
		}
	}

	return ""
}

// APIKeyOptions configures APIKeyMiddlewareWithOptions.
type APIKeyOptions struct {
	// APIKey is the expected key. An empty key disables authentication.
	APIKey string

	// ExcludePaths are exact request paths served without a key.
	ExcludePaths []string

	LogUnauthorized bool

	Logger logger.Logger
}

// APIKeyMiddlewareWithOptions enforces the X-API-Key header (or api_key
// query parameter) on every request outside ExcludePaths.
func APIKeyMiddlewareWithOptions(opts APIKeyOptions) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.APIKey == "" || isExcluded(r.URL.Path, opts.ExcludePaths) {
				next.ServeHTTP(w, r)
				return
			}

			requestKey := r.Header.Get("X-API-Key")
			if requestKey == "" {
				requestKey = r.URL.Query().Get("api_key")
			}

			if requestKey != opts.APIKey {
				if opts.LogUnauthorized && opts.Logger != nil {
					opts.Logger.Warn().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("Unauthorized API access attempt")
				}

				http.Error(w, "Unauthorized", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware is the plain form without exclusions or logging.
func APIKeyMiddleware(apiKey string) func(next http.Handler) http.Handler {
	return APIKeyMiddlewareWithOptions(APIKeyOptions{APIKey: apiKey})
}

func isExcluded(path string, excluded []string) bool {
	for _, p := range excluded {
		if path == p {
			return true
		}
	}

	return false
}

// TrustedHostMiddleware rejects requests whose Host header is not in the
// allowlist. Entries match exactly, by "*." suffix wildcard, or "*" for
// any host. Ports are ignored.
func TrustedHostMiddleware(allowedHosts []string, log logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}

			if !hostAllowed(host, allowedHosts) {
				if log != nil {
					log.Warn().
						Str("host", r.Host).
						Str("path", r.URL.Path).
						Msg("Rejected request from untrusted host")
				}

				http.Error(w, "Invalid host header", http.StatusBadRequest)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hostAllowed(host string, allowed []string) bool {
	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}

		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}

		if strings.EqualFold(host, pattern) {
			return true
		}
	}

	return false
}
