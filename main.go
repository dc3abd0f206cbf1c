package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/apimarket/internal/config"
	"github.com/gorilla/mux"
)

type App struct {
	cfg     *cfg.Config
	store   Store
	adapter *SessionAdapter
	ledger  *Ledger
	auth    *Authenticator
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "error", err)
	}
}

// newRouter builds the HTTP surface. CORS wraps the router itself so that
// preflight requests for GET/POST-only routes are answered.
func newRouter(app *App) http.Handler {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(app.Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := app.store.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.HandleFunc("/providers", app.HandleProviders).Methods("GET")
	auth.HandleFunc("/session", app.HandleSession).Methods("GET")
	auth.HandleFunc("/signout", app.HandleSignOut).Methods("POST")
	auth.HandleFunc("/logout", app.HandleSignOut).Methods("POST")
	auth.HandleFunc("/signin/google", app.HandleGoogleSignIn).Methods("GET")
	auth.HandleFunc("/callback/google", app.HandleGoogleCallback).Methods("GET")
	auth.HandleFunc("/signin/email", app.HandleEmailSignIn).Methods("POST")
	auth.HandleFunc("/callback/email", app.HandleEmailCallback).Methods("GET")
	if _, ok := app.auth.Provider(CredentialsProvider{}.ID()); ok {
		auth.HandleFunc("/signin/credentials", app.HandleCredentialsSignIn).Methods("POST")
	}

	user := r.PathPrefix("/api/user").Subrouter()
	user.Use(app.RequireSession)
	user.HandleFunc("/credits", app.HandleCredits).Methods("GET")
	user.HandleFunc("/usage", app.HandleUsage).Methods("GET")
	user.HandleFunc("/credit-history", app.HandleCreditHistory).Methods("GET")

	keys := r.PathPrefix("/api/v1/keys").Subrouter()
	keys.Use(app.RequireSession)
	keys.HandleFunc("", app.HandleCreateAPIKey).Methods("POST")
	keys.HandleFunc("", app.HandleListAPIKeys).Methods("GET")
	keys.HandleFunc("/{id}", app.HandleDeleteAPIKey).Methods("DELETE")

	usage := r.PathPrefix("/api/v1/usage").Subrouter()
	usage.Use(app.APIKeyAuth)
	usage.HandleFunc("", app.HandleRecordUsage).Methods("POST")

	if !app.cfg.IsProduction() {
		r.HandleFunc("/api/debug", app.HandleDebug).Methods("GET")
	}
	return app.CORS(r)
}

// newApp wires the service graph on top of an opened store.
func newApp(ctx context.Context, c *cfg.Config, store Store) *App {
	adapter := NewSessionAdapter(store, c.StoreTimeout)
	if c.RedisURL != "" {
		cache, err := NewSessionCache(ctx, c.RedisURL, c.SessionCacheTTL)
		if err != nil {
			slog.Warn("session cache disabled", "error", err)
		} else {
			adapter.WithCache(cache)
		}
	}
	ledger := NewLedger(store, c.StoreTimeout)
	return &App{
		cfg:     c,
		store:   store,
		adapter: adapter,
		ledger:  ledger,
		auth:    newAuthenticator(ctx, c, adapter, ledger),
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, c.LogLevel, c.LogFormat))

	ctx := context.Background()
	store, err := openStore(ctx, c)
	if err != nil {
		slog.Error("store init failed", "adapter", c.DBAdapter, "error", err)
		os.Exit(1)
	}

	app := newApp(ctx, c, store)
	srv := &http.Server{Handler: newRouter(app), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		slog.Info("starting server", "port", c.Port, "adapter", c.DBAdapter, "env", c.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	if closer, ok := store.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if sc, ok := app.adapter.cache.(*SessionCache); ok {
		_ = sc.Close()
	}
	slog.Info("server exited properly")
}
