package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cfg "github.com/example/apimarket/internal/config"
)

func (a *App) setSessionCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.SessionToken,
		Path:     "/",
		Expires:  s.Expires,
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// safeRedirect keeps post sign-in redirects on this site.
func (a *App) safeRedirect(callbackURL string) string {
	if callbackURL == "" {
		return "/"
	}
	if strings.HasPrefix(callbackURL, "/") && !strings.HasPrefix(callbackURL, "//") {
		return callbackURL
	}
	cb, err := url.Parse(callbackURL)
	base, berr := url.Parse(a.cfg.BaseURL)
	if err != nil || berr != nil || cb.Host != base.Host || cb.Scheme != base.Scheme {
		return "/"
	}
	return callbackURL
}

func (a *App) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.auth.Providers())
}

// HandleSession returns the current session, or an empty object when there is none.
func (a *App) HandleSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.auth.GetSession(r.Context(), sessionToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	provider, err := a.auth.SignOut(r.Context(), sessionToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	clearSessionCookie(w)
	writeSuccess(w, http.StatusOK, map[string]string{"provider": provider})
}

func (a *App) googleProvider(w http.ResponseWriter) *GoogleProvider {
	p, ok := a.auth.Provider("google")
	g, isGoogle := p.(*GoogleProvider)
	if !ok || !isGoogle {
		writeError(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", "Google sign-in is not configured")
		return nil
	}
	return g
}

func (a *App) HandleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	g := a.googleProvider(w)
	if g == nil {
		return
	}
	target, err := g.AuthCodeURL(a.safeRedirect(r.URL.Query().Get("callbackUrl")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start sign-in")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	g := a.googleProvider(w)
	if g == nil {
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", e)
		return
	}
	at, callbackURL, err := g.Exchange(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s, _, err := a.auth.SignIn(r.Context(), *at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	http.Redirect(w, r, a.safeRedirect(callbackURL), http.StatusFound)
}

type emailSignInRequest struct {
	Email       string `json:"email" validate:"required,email"`
	CallbackURL string `json:"callbackUrl"`
}

func (a *App) HandleEmailSignIn(w http.ResponseWriter, r *http.Request) {
	var in emailSignInRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "A valid email is required")
		return
	}
	if err := a.auth.RequestEmailSignIn(r.Context(), in.Email, a.safeRedirect(in.CallbackURL)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"sent": true})
}

func (a *App) HandleEmailCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("token") == "" || q.Get("email") == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "token and email are required")
		return
	}
	s, _, err := a.auth.VerifyEmailSignIn(r.Context(), q.Get("email"), q.Get("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	http.Redirect(w, r, a.safeRedirect(q.Get("callbackUrl")), http.StatusFound)
}

type credentialsSignInRequest struct {
	Email string  `json:"email" validate:"required,email"`
	Name  *string `json:"name"`
}

// HandleCredentialsSignIn is the development sign-in. The route is not
// registered in production.
func (a *App) HandleCredentialsSignIn(w http.ResponseWriter, r *http.Request) {
	var in credentialsSignInRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "A valid email is required")
		return
	}
	s, u, err := a.auth.SignIn(r.Context(), SignInAttempt{
		Provider: CredentialsProvider{}.ID(),
		Email:    in.Email,
		Name:     in.Name,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         u,
		"sessionToken": s.SessionToken,
		"expires":      s.Expires,
	})
}

func (a *App) HandleCredits(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	credits, err := a.ledger.GetBalance(r.Context(), view.User.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	monthly, err := a.ledger.GetMonthlyUsageCount(r.Context(), view.User.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"credits":      credits,
		"monthlyUsage": monthly,
	})
}

// queryLimit reads ?limit=N. Zero means the ledger default.
func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (a *App) HandleUsage(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a number")
		return
	}
	history, err := a.ledger.GetUsageHistory(r.Context(), view.User.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleCreditHistory lists the signed-in user's balance changes, newest first.
func (a *App) HandleCreditHistory(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a number")
		return
	}
	txs, err := a.ledger.GetCreditHistory(r.Context(), view.User.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (a *App) HandleDebug(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"environment":  a.cfg.Env,
		"adapter":      a.cfg.DBAdapter,
		"providers":    a.auth.Providers(),
		"sessionCache": a.cfg.RedisURL != "",
	}
	if a.cfg.DBAdapter == cfg.AdapterPostgres {
		if dsn, err := a.cfg.BuildPostgresDSN(); err == nil {
			if v, dirty, err := GetMigrationVersion(a.cfg.MigrationsDir, dsn); err == nil {
				out["migration"] = map[string]interface{}{"version": v, "dirty": dirty}
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}
