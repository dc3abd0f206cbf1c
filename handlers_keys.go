package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// HandleCreateAPIKey issues a new API key for the signed-in user
// POST /api/v1/keys
func (a *App) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name" validate:"required,max=100"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Name is required")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key")
		return
	}
	hash, err := hashAPIKey(apiKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash API key")
		return
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		UserID:    sessionFrom(r.Context()).User.ID,
		Name:      req.Name,
		Prefix:    getAPIKeyPrefix(apiKey),
		Hash:      hash,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := a.adapter.CreateAPIKey(r.Context(), key); err != nil {
		writeDomainError(w, err)
		return
	}

	// the plaintext key is only ever returned here
	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"key":     key,
		"api_key": apiKey,
	})
}

// HandleListAPIKeys lists the signed-in user's keys
// GET /api/v1/keys
func (a *App) HandleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.adapter.ListAPIKeys(r.Context(), sessionFrom(r.Context()).User.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	writeSuccess(w, http.StatusOK, keys)
}

// HandleDeleteAPIKey revokes one of the signed-in user's keys
// DELETE /api/v1/keys/{id}
func (a *App) HandleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.adapter.DeleteAPIKey(r.Context(), sessionFrom(r.Context()).User.ID, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleRecordUsage charges a metered call to the key owner's balance
// POST /api/v1/usage
func (a *App) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var ev UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	ev.UserID = apiKeyFrom(r.Context()).UserID
	if err := validate.Struct(ev); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "apiName and endpoint are required and creditsUsed must not be negative")
		return
	}
	if err := a.ledger.RecordUsage(r.Context(), ev); err != nil {
		writeDomainError(w, err)
		return
	}
	credits, err := a.ledger.GetBalance(r.Context(), ev.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]int64{"credits": credits})
}
