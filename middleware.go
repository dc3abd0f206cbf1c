package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey string

const (
	ctxSession ctxKey = "session"
	ctxAPIKey  ctxKey = "api_key"
)

const sessionCookie = "session_token"

// sessionToken reads the session credential from the cookie, falling back
// to an Authorization: Bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequireSession rejects requests without a valid session and stores the
// session view in the request context.
func (a *App) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, err := a.auth.GetSession(r.Context(), sessionToken(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if view == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required")
			return
		}
		ctx := context.WithValue(r.Context(), ctxSession, view)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *SessionView {
	v, _ := ctx.Value(ctxSession).(*SessionView)
	return v
}

// APIKeyAuth middleware validates API keys
func (a *App) APIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			// Try Authorization header: Bearer <api-key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
			return
		}

		key, err := a.validateAPIKey(r.Context(), apiKey)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if key == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateAPIKey narrows candidates by prefix, then compares bcrypt hashes.
func (a *App) validateAPIKey(ctx context.Context, apiKey string) (*APIKey, error) {
	keys, err := a.adapter.FindAPIKeysByPrefix(ctx, getAPIKeyPrefix(apiKey))
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(apiKey)) == nil {
			return k, nil
		}
	}
	return nil, nil
}

func apiKeyFrom(ctx context.Context) *APIKey {
	k, _ := ctx.Value(ctxAPIKey).(*APIKey)
	return k
}

// CORS middleware handles CORS headers. With no configured origins every
// origin is echoed back in development; production stays same-origin.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := a.cfg.CORSOrigins

		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(allowedOrigins) == 0 && !a.cfg.IsProduction()
			for _, o := range allowedOrigins {
				if o == origin || o == "*" {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

const apiKeyPrefix = "mk_"

// Helper functions for API key management
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

func hashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	return string(hash), err
}

func getAPIKeyPrefix(apiKey string) string {
	if n := len(apiKeyPrefix) + 8; len(apiKey) >= n {
		return apiKey[:n]
	}
	return apiKey
}
