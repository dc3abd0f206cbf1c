package main

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	cfg "github.com/example/apimarket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) Send(ctx context.Context, to, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, body)
	return nil
}

// lastLink returns the query of the most recently mailed sign-in link.
func (c *captureSender) lastLink(t *testing.T) url.Values {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	for _, line := range strings.Split(c.sent[len(c.sent)-1], "\n") {
		if strings.HasPrefix(line, "http") {
			u, err := url.Parse(strings.TrimSpace(line))
			require.NoError(t, err)
			return u.Query()
		}
	}
	t.Fatal("no link in email")
	return nil
}

type authFixture struct {
	auth    *Authenticator
	adapter *SessionAdapter
	db      *MemDB
	mail    *captureSender
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db := NewMemoryDB()
	adapter := NewSessionAdapter(db, time.Second)
	ledger := NewLedger(db, time.Second)
	auth := NewAuthenticator(adapter, ledger, AuthOptions{
		SessionMaxAge:    30 * 24 * time.Hour,
		SessionUpdateAge: 24 * time.Hour,
		BaseURL:          "http://localhost:8080",
	})
	mail := &captureSender{}
	auth.Register(&GoogleProvider{secret: []byte("test-secret")})
	auth.Register(NewEmailProvider(mail, []byte("test-secret"), time.Hour))
	auth.Register(CredentialsProvider{})
	return &authFixture{auth: auth, adapter: adapter, db: db, mail: mail}
}

func boolPtr(b bool) *bool { return &b }

func TestSignInRejectsUnverifiedGoogleEmail(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, _, err := f.auth.SignIn(ctx, SignInAttempt{
		Provider:          "google",
		ProviderAccountID: "g-unverified",
		Email:             "unverified@example.com",
		EmailVerified:     boolPtr(false),
	})
	var ae *AuthenticationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "google", ae.Provider)

	u, err := f.adapter.GetUserByEmail(ctx, "unverified@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Empty(t, f.db.sessions)
	assert.Empty(t, f.db.accounts)
}

func TestSignInGoogleCreatesUserAccountAndSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	s, u, err := f.auth.SignIn(ctx, SignInAttempt{
		Provider:          "google",
		ProviderAccountID: "g-1",
		Email:             "Lin@Example.com",
		Name:              strPtr("Lin"),
		EmailVerified:     boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, "lin@example.com", u.Email)
	assert.NotNil(t, u.EmailVerified)
	assert.Equal(t, "google", s.Provider)

	owner, err := f.adapter.GetUserByAccount(ctx, "google", "g-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, owner.ID)

	// second sign-in reuses the linked user
	_, again, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "google", ProviderAccountID: "g-1", Email: "lin@example.com", EmailVerified: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.Len(t, f.db.users, 1)
}

func TestSignInGoogleWithoutVerifiedClaimIsAccepted(t *testing.T) {
	f := newAuthFixture(t)
	_, u, err := f.auth.SignIn(context.Background(), SignInAttempt{Provider: "google", ProviderAccountID: "g-2", Email: "noclaim@example.com"})
	require.NoError(t, err)
	assert.Nil(t, u.EmailVerified)
}

func TestSignInUnverifiedEmailDoesNotTakeOverExistingUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	_, existing, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "credentials", Email: "owner@example.com"})
	require.NoError(t, err)

	_, _, err = f.auth.SignIn(ctx, SignInAttempt{Provider: "google", ProviderAccountID: "g-3", Email: "owner@example.com"})
	var dl *DuplicateLinkError
	require.True(t, errors.As(err, &dl))

	_, linked, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "google", ProviderAccountID: "g-3", Email: "owner@example.com", EmailVerified: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, linked.ID)
}

func TestSignInUnknownProvider(t *testing.T) {
	f := newAuthFixture(t)
	_, _, err := f.auth.SignIn(context.Background(), SignInAttempt{Provider: "github", Email: "x@example.com"})
	var ae *AuthenticationError
	assert.True(t, errors.As(err, &ae))
}

func TestGetSessionAddsCredits(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	s, u, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "credentials", Email: "dev@example.com"})
	require.NoError(t, err)

	view, err := f.auth.GetSession(ctx, s.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, u.ID, view.User.ID)
	assert.Equal(t, "credentials", view.Provider)
	require.NotNil(t, view.User.Credits)
	assert.Equal(t, DefaultCredits, *view.User.Credits)

	none, err := f.auth.GetSession(ctx, "not-a-token")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// brokenCredits fails every balance operation.
type brokenCredits struct {
	Store
}

func (brokenCredits) GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func TestGetSessionDegradesWhenLedgerFails(t *testing.T) {
	db := NewMemoryDB()
	adapter := NewSessionAdapter(db, time.Second)
	auth := NewAuthenticator(adapter, NewLedger(brokenCredits{db}, time.Second), AuthOptions{SessionMaxAge: time.Hour})
	auth.Register(CredentialsProvider{})
	ctx := context.Background()

	s, _, err := auth.SignIn(ctx, SignInAttempt{Provider: "credentials", Email: "degrade@example.com"})
	require.NoError(t, err)

	view, err := auth.GetSession(ctx, s.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Nil(t, view.User.Credits)
	assert.Equal(t, "degrade@example.com", view.User.Email)
}

func TestGetSessionRenewsOldSessions(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.auth.now = func() time.Time { return start }
	f.adapter.now = f.auth.now

	s, _, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "credentials", Email: "renew@example.com"})
	require.NoError(t, err)

	later := start.Add(2 * time.Hour)
	f.auth.now = func() time.Time { return later }
	f.adapter.now = f.auth.now
	view, err := f.auth.GetSession(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.True(t, s.Expires.Equal(view.Expires), "fresh session keeps its expiry")

	later = start.Add(25 * time.Hour)
	view, err = f.auth.GetSession(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.True(t, later.Add(30*24*time.Hour).Equal(view.Expires))
}

func TestSignOutReturnsStoredProvider(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	s, u, err := f.auth.SignIn(ctx, SignInAttempt{Provider: "google", ProviderAccountID: "g-out", Email: "out@example.com", EmailVerified: boolPtr(true)})
	require.NoError(t, err)
	ledger := NewLedger(f.db, time.Second)
	_, err = ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	provider, err := f.auth.SignOut(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "google", provider)

	view, err := f.auth.GetSession(ctx, s.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, view)

	// balance and link survive
	owner, err := f.adapter.GetUserByAccount(ctx, "google", "g-out")
	require.NoError(t, err)
	assert.Equal(t, u.ID, owner.ID)
	c, err := ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultCredits, c)
}

func TestEmailSignInFlow(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	require.NoError(t, f.auth.RequestEmailSignIn(ctx, "Magic@Example.com", "/dashboard"))
	q := f.mail.lastLink(t)
	assert.Equal(t, "magic@example.com", q.Get("email"))
	assert.Equal(t, "/dashboard", q.Get("callbackUrl"))

	// only the hash is stored
	for _, vt := range f.db.tokens {
		assert.NotEqual(t, q.Get("token"), vt.Token)
	}

	s, u, err := f.auth.VerifyEmailSignIn(ctx, q.Get("email"), q.Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "email", s.Provider)
	assert.NotNil(t, u.EmailVerified)

	_, _, err = f.auth.VerifyEmailSignIn(ctx, q.Get("email"), q.Get("token"))
	var ae *AuthenticationError
	assert.True(t, errors.As(err, &ae), "link works once")
}

func TestEmailSignInRejectsExpiredLink(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.auth.now = func() time.Time { return now }

	require.NoError(t, f.auth.RequestEmailSignIn(ctx, "late@example.com", ""))
	q := f.mail.lastLink(t)

	now = now.Add(2 * time.Hour)
	_, _, err := f.auth.VerifyEmailSignIn(ctx, q.Get("email"), q.Get("token"))
	var ae *AuthenticationError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Reason, "expired")
	assert.Empty(t, f.db.users)
}

func TestEmailSignInRejectsBadAddress(t *testing.T) {
	f := newAuthFixture(t)
	err := f.auth.RequestEmailSignIn(context.Background(), "not-an-email", "")
	var ae *AuthenticationError
	assert.True(t, errors.As(err, &ae))
	assert.Empty(t, f.mail.sent)
}

func TestCredentialsProviderOnlyOutsideProduction(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	adapter := NewSessionAdapter(db, time.Second)
	ledger := NewLedger(db, time.Second)

	dev := newAuthenticator(ctx, &cfg.Config{Env: "development", AuthSecret: "s"}, adapter, ledger)
	_, ok := dev.Provider("credentials")
	assert.True(t, ok)

	prod := newAuthenticator(ctx, &cfg.Config{Env: "production", AuthSecret: "s"}, adapter, ledger)
	_, ok = prod.Provider("credentials")
	assert.False(t, ok)
	_, ok = prod.Provider("email")
	assert.True(t, ok)

	_, _, err := prod.SignIn(ctx, SignInAttempt{Provider: "credentials", Email: "dev@example.com"})
	var ae *AuthenticationError
	assert.True(t, errors.As(err, &ae))
}

func TestOAuthState(t *testing.T) {
	secret := []byte("state-secret")
	now := time.Now()

	state, err := signState(secret, "nonce-1", "/after", now)
	require.NoError(t, err)

	st, err := parseState(secret, state)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", st.Nonce)
	assert.Equal(t, "/after", st.Callback)

	_, err = parseState([]byte("other-secret"), state)
	assert.Error(t, err)

	old, err := signState(secret, "nonce-2", "", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = parseState(secret, old)
	assert.Error(t, err)
}
