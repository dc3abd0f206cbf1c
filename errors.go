package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// errConflict is returned by backends when a uniqueness constraint is hit.
var errConflict = errors.New("unique constraint violation")

// StoreError wraps a connectivity, timeout or constraint failure at the persistence boundary.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Timeout reports whether the store call ran out of time.
func (e *StoreError) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

// NotFoundError means an operation required a row that does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.Key) }

// AuthenticationError means the sign-in attempt was rejected.
type AuthenticationError struct {
	Provider string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.Provider == "" {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed (%s): %s", e.Provider, e.Reason)
}

// DuplicateLinkError means the provider identity already belongs to another user.
type DuplicateLinkError struct {
	Provider          string
	ProviderAccountID string
}

func (e *DuplicateLinkError) Error() string {
	return "account already associated with a different sign-in method"
}

// storeError wraps err as a StoreError unless it is already a domain error.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se *StoreError
		nf *NotFoundError
		dl *DuplicateLinkError
	)
	if errors.As(err, &se) || errors.As(err, &nf) || errors.As(err, &dl) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeDomainError maps the error taxonomy onto HTTP responses
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		se *StoreError
		nf *NotFoundError
		ae *AuthenticationError
		dl *DuplicateLinkError
	)
	switch {
	case errors.As(err, &ae):
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", ae.Reason)
	case errors.As(err, &dl):
		writeError(w, http.StatusConflict, "ACCOUNT_NOT_LINKED", dl.Error())
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, "NOT_FOUND", nf.Error())
	case errors.As(err, &se) && se.Timeout():
		writeError(w, http.StatusServiceUnavailable, "STORE_TIMEOUT", "Storage did not respond in time")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong, please retry")
	}
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
