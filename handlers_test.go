package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfg "github.com/example/apimarket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, env string) (http.Handler, *App) {
	t.Helper()
	c := &cfg.Config{
		Env:              env,
		DBAdapter:        cfg.AdapterMemory,
		AuthSecret:       "test-secret",
		BaseURL:          "http://localhost:8080",
		StoreTimeout:     time.Second,
		SessionMaxAge:    24 * time.Hour,
		SessionUpdateAge: time.Hour,
		EmailTokenMaxAge: time.Hour,
	}
	app := newApp(context.Background(), c, NewMemoryDB())
	return newRouter(app), app
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func signInDev(t *testing.T, h http.Handler, email string) string {
	t.Helper()
	rr := doJSON(t, h, "POST", "/api/auth/signin/credentials", map[string]string{"email": email}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		SessionToken string `json:"sessionToken"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	require.NotEmpty(t, out.SessionToken)
	return out.SessionToken
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthAndReady(t *testing.T) {
	h, _ := newTestServer(t, "development")
	rr := doJSON(t, h, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = doJSON(t, h, "GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ready":true}`, rr.Body.String())
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestServer(t, "development")

	rr := doJSON(t, h, "POST", "/api/auth/signin/credentials", map[string]string{"email": "web@example.com"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest("GET", "/api/auth/session", nil)
	req.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var view SessionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "web@example.com", view.User.Email)
	assert.Equal(t, "credentials", view.Provider)
	require.NotNil(t, view.User.Credits)
	assert.EqualValues(t, 1000, *view.User.Credits)

	rr = doJSON(t, h, "POST", "/api/auth/signout", nil, bearer(cookies[0].Value))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"provider":"credentials"`)

	rr = doJSON(t, h, "GET", "/api/auth/session", nil, bearer(cookies[0].Value))
	assert.JSONEq(t, `{}`, rr.Body.String())
}

func TestUserRoutesRequireSession(t *testing.T) {
	h, _ := newTestServer(t, "development")
	rr := doJSON(t, h, "GET", "/api/user/credits", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = doJSON(t, h, "GET", "/api/user/usage", nil, bearer("bogus"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAPIKeyUsageFlow(t *testing.T) {
	h, _ := newTestServer(t, "development")
	token := signInDev(t, h, "builder@example.com")

	rr := doJSON(t, h, "POST", "/api/v1/keys", map[string]string{"name": "ci"}, bearer(token))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Data struct {
			Key    APIKey `json:"key"`
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	apiKey := created.Data.APIKey
	require.NotEmpty(t, apiKey)
	assert.Equal(t, getAPIKeyPrefix(apiKey), created.Data.Key.Prefix)

	rr = doJSON(t, h, "POST", "/api/v1/usage", map[string]interface{}{"apiName": "weather", "endpoint": "/forecast", "creditsUsed": 15}, map[string]string{"X-API-Key": apiKey})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"data":{"credits":985}}`, rr.Body.String())

	rr = doJSON(t, h, "GET", "/api/user/credits", nil, bearer(token))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"credits":985,"monthlyUsage":1}`, rr.Body.String())

	rr = doJSON(t, h, "GET", "/api/user/usage?limit=5", nil, bearer(token))
	require.Equal(t, http.StatusOK, rr.Code)
	var history []UsageSummary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, "weather", history[0].APIName)
	assert.EqualValues(t, 15, history[0].TotalCreditsUsed)

	rr = doJSON(t, h, "GET", "/api/user/credit-history", nil, bearer(token))
	require.Equal(t, http.StatusOK, rr.Code)
	var credits struct {
		Transactions []CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&credits))
	require.Len(t, credits.Transactions, 2)
	assert.Equal(t, TxUsage, credits.Transactions[0].Type)
	assert.EqualValues(t, -15, credits.Transactions[0].Amount)
	assert.EqualValues(t, 985, credits.Transactions[0].BalanceAfter)
	assert.Equal(t, TxInitial, credits.Transactions[1].Type)

	rr = doJSON(t, h, "GET", "/api/user/credit-history?limit=x", nil, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, "POST", "/api/v1/usage", map[string]interface{}{"apiName": "weather", "endpoint": "/forecast", "creditsUsed": -3}, map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, "POST", "/api/v1/usage", map[string]interface{}{"apiName": "weather", "endpoint": "/forecast", "creditsUsed": 1}, map[string]string{"X-API-Key": apiKey + "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, h, "DELETE", "/api/v1/keys/"+created.Data.Key.ID, nil, bearer(token))
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, h, "POST", "/api/v1/usage", map[string]interface{}{"apiName": "weather", "endpoint": "/forecast", "creditsUsed": 1}, map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeleteOtherUsersKey(t *testing.T) {
	h, _ := newTestServer(t, "development")
	owner := signInDev(t, h, "owner@example.com")
	intruder := signInDev(t, h, "intruder@example.com")

	rr := doJSON(t, h, "POST", "/api/v1/keys", map[string]string{"name": "mine"}, bearer(owner))
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		Data struct {
			Key APIKey `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = doJSON(t, h, "DELETE", "/api/v1/keys/"+created.Data.Key.ID, nil, bearer(intruder))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEmailCallbackRejectsUnknownToken(t *testing.T) {
	h, _ := newTestServer(t, "development")
	rr := doJSON(t, h, "GET", "/api/auth/callback/email?email=a@example.com&token=deadbeef", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "AUTHENTICATION_FAILED")
}

func TestProductionRoutes(t *testing.T) {
	h, _ := newTestServer(t, "production")

	rr := doJSON(t, h, "POST", "/api/auth/signin/credentials", map[string]string{"email": "x@example.com"}, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = doJSON(t, h, "GET", "/api/debug", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, "GET", "/api/auth/providers", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var providers []ProviderInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&providers))
	assert.Equal(t, []ProviderInfo{{ID: "email", Type: ProviderTypeEmail}}, providers)

	rr = doJSON(t, h, "GET", "/api/auth/signin/google", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSafeRedirect(t *testing.T) {
	_, app := newTestServer(t, "development")
	assert.Equal(t, "/", app.safeRedirect(""))
	assert.Equal(t, "/dashboard", app.safeRedirect("/dashboard"))
	assert.Equal(t, "/", app.safeRedirect("//evil.example"))
	assert.Equal(t, "/", app.safeRedirect("https://evil.example/x"))
	assert.Equal(t, "http://localhost:8080/x", app.safeRedirect("http://localhost:8080/x"))
}

func TestCORS(t *testing.T) {
	h, app := newTestServer(t, "development")
	app.cfg.CORSOrigins = []string{"https://app.example"}

	req := httptest.NewRequest("OPTIONS", "/api/auth/session", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDefaultsToSameOriginInProduction(t *testing.T) {
	h, _ := newTestServer(t, "production")

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	h, _ = newTestServer(t, "development")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://anywhere.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
