package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sessionCache is the read-through cache in front of GetSessionAndUser.
type sessionCache interface {
	Get(ctx context.Context, token string) (*Session, *User, error)
	Put(ctx context.Context, s *Session, u *User) error
	Invalidate(ctx context.Context, token string) error
	// Revoke is Invalidate plus a guard against a concurrent Put restoring the entry.
	Revoke(ctx context.Context, token string) error
	InvalidateUser(ctx context.Context, userID string) error
}

// SessionAdapter is the identity persistence layer used by the auth flows.
// It gives every backend the same behaviour: each call is bounded by a
// timeout, failures come back as *StoreError, emails are normalized and
// expired sessions read as absent.
type SessionAdapter struct {
	store   Store
	cache   sessionCache
	timeout time.Duration
	now     func() time.Time
}

func NewSessionAdapter(store Store, timeout time.Duration) *SessionAdapter {
	return &SessionAdapter{store: store, timeout: timeout, now: time.Now}
}

// WithCache puts c in front of session reads.
func (a *SessionAdapter) WithCache(c sessionCache) *SessionAdapter {
	a.cache = c
	return a
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *SessionAdapter) CreateUser(ctx context.Context, u User) (*User, error) {
	u.Email = normalizeEmail(u.Email)
	if u.Email == "" {
		return nil, storeError("createUser", errors.New("email is required"))
	}
	u.ID = uuid.NewString()
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.CreateUser(ctx, &u); err != nil {
		return nil, storeError("createUser", err)
	}
	return &u, nil
}

func (a *SessionAdapter) GetUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	u, err := a.store.GetUser(ctx, id)
	return u, storeError("getUser", err)
}

func (a *SessionAdapter) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	u, err := a.store.GetUserByEmail(ctx, normalizeEmail(email))
	return u, storeError("getUserByEmail", err)
}

func (a *SessionAdapter) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	u, err := a.store.GetUserByAccount(ctx, provider, providerAccountID)
	return u, storeError("getUserByAccount", err)
}

// UpdateUser merges the non-nil fields of p into the stored user.
func (a *SessionAdapter) UpdateUser(ctx context.Context, id string, p UserPatch) (*User, error) {
	if p.Email != nil {
		e := normalizeEmail(*p.Email)
		p.Email = &e
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	u, err := a.store.UpdateUser(ctx, id, p)
	if err != nil {
		return nil, storeError("updateUser", err)
	}
	if u == nil {
		return nil, &NotFoundError{Entity: "user", Key: id}
	}
	a.dropUser(ctx, id)
	return u, nil
}

// DeleteUser removes the user with its accounts, sessions, balance, usage and keys.
func (a *SessionAdapter) DeleteUser(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.DeleteUser(ctx, id); err != nil {
		return storeError("deleteUser", err)
	}
	a.dropUser(ctx, id)
	return nil
}

// LinkAccount attaches a provider identity to acc.UserID. Linking a pair
// that already belongs to the same user returns it unchanged.
func (a *SessionAdapter) LinkAccount(ctx context.Context, acc Account) (*Account, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	owner, err := a.store.GetUserByAccount(ctx, acc.Provider, acc.ProviderAccountID)
	if err != nil {
		return nil, storeError("linkAccount", err)
	}
	if owner != nil {
		if owner.ID == acc.UserID {
			return &acc, nil
		}
		return nil, &DuplicateLinkError{Provider: acc.Provider, ProviderAccountID: acc.ProviderAccountID}
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if err := a.store.LinkAccount(ctx, &acc); err != nil {
		if errors.Is(err, errConflict) {
			// lost a race against another link of the same pair
			return nil, &DuplicateLinkError{Provider: acc.Provider, ProviderAccountID: acc.ProviderAccountID}
		}
		return nil, storeError("linkAccount", err)
	}
	return &acc, nil
}

func (a *SessionAdapter) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	return storeError("unlinkAccount", a.store.UnlinkAccount(ctx, provider, providerAccountID))
}

// CreateSession persists a session under a fresh random token.
func (a *SessionAdapter) CreateSession(ctx context.Context, userID, provider string, expires time.Time) (*Session, error) {
	token, err := genToken(32)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	s := &Session{SessionToken: token, UserID: userID, Provider: provider, Expires: expires}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.CreateSession(ctx, s); err != nil {
		return nil, storeError("createSession", err)
	}
	return s, nil
}

// GetSessionAndUser returns nil values when the token is unknown or the
// session has expired.
func (a *SessionAdapter) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	if token == "" {
		return nil, nil, nil
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if a.cache != nil {
		s, u, err := a.cache.Get(ctx, token)
		switch {
		case err != nil:
			slog.Warn("session cache read failed", "error", err)
		case s != nil:
			if s.Expires.Before(a.now()) {
				return nil, nil, nil
			}
			return s, u, nil
		}
	}
	s, u, err := a.store.GetSessionAndUser(ctx, token)
	if err != nil {
		return nil, nil, storeError("getSessionAndUser", err)
	}
	if s == nil || u == nil || s.Expires.Before(a.now()) {
		return nil, nil, nil
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, s, u); err != nil {
			slog.Warn("session cache write failed", "error", err)
		}
	}
	return s, u, nil
}

// UpdateSession changes the expiry and, when userID is set, the owner.
func (a *SessionAdapter) UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	s, err := a.store.UpdateSession(ctx, token, expires, userID)
	if err != nil {
		return nil, storeError("updateSession", err)
	}
	a.dropSession(ctx, token)
	return s, nil
}

func (a *SessionAdapter) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.DeleteSession(ctx, token); err != nil {
		return storeError("deleteSession", err)
	}
	a.revokeSession(ctx, token)
	return nil
}

func (a *SessionAdapter) CreateVerificationToken(ctx context.Context, vt VerificationToken) (*VerificationToken, error) {
	vt.Identifier = normalizeEmail(vt.Identifier)
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.CreateVerificationToken(ctx, &vt); err != nil {
		return nil, storeError("createVerificationToken", err)
	}
	return &vt, nil
}

// UseVerificationToken consumes the token. A second call for the same pair
// returns nil. Expiry is left to the caller.
func (a *SessionAdapter) UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	vt, err := a.store.UseVerificationToken(ctx, normalizeEmail(identifier), token)
	return vt, storeError("useVerificationToken", err)
}

func (a *SessionAdapter) CreateAPIKey(ctx context.Context, k *APIKey) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	return storeError("createAPIKey", a.store.CreateAPIKey(ctx, k))
}

func (a *SessionAdapter) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	keys, err := a.store.ListAPIKeys(ctx, userID)
	return keys, storeError("listAPIKeys", err)
}

func (a *SessionAdapter) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	keys, err := a.store.FindAPIKeysByPrefix(ctx, prefix)
	return keys, storeError("findAPIKeysByPrefix", err)
}

func (a *SessionAdapter) DeleteAPIKey(ctx context.Context, userID, id string) error {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	return storeError("deleteAPIKey", a.store.DeleteAPIKey(ctx, userID, id))
}

func (a *SessionAdapter) dropSession(ctx context.Context, token string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, token); err != nil {
		slog.Warn("session cache invalidate failed", "error", err)
	}
}

func (a *SessionAdapter) revokeSession(ctx context.Context, token string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Revoke(ctx, token); err != nil {
		slog.Warn("session cache revoke failed", "error", err)
	}
}

func (a *SessionAdapter) dropUser(ctx context.Context, userID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateUser(ctx, userID); err != nil {
		slog.Warn("session cache invalidate failed", "user_id", userID, "error", err)
	}
}
