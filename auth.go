package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	cfg "github.com/example/apimarket/internal/config"
)

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type AuthOptions struct {
	SessionMaxAge    time.Duration
	SessionUpdateAge time.Duration
	BaseURL          string
}

// Authenticator runs sign-in, session lookup and sign-out across the
// registered providers.
type Authenticator struct {
	adapter   *SessionAdapter
	ledger    *Ledger
	opts      AuthOptions
	providers map[string]Provider
	order     []string
	now       func() time.Time
}

func NewAuthenticator(adapter *SessionAdapter, ledger *Ledger, opts AuthOptions) *Authenticator {
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 30 * 24 * time.Hour
	}
	return &Authenticator{
		adapter:   adapter,
		ledger:    ledger,
		opts:      opts,
		providers: map[string]Provider{},
		now:       time.Now,
	}
}

// newAuthenticator wires providers from configuration. The credentials
// provider exists only outside production.
func newAuthenticator(ctx context.Context, c *cfg.Config, adapter *SessionAdapter, ledger *Ledger) *Authenticator {
	secret := []byte(c.AuthSecret)
	a := NewAuthenticator(adapter, ledger, AuthOptions{
		SessionMaxAge:    c.SessionMaxAge,
		SessionUpdateAge: c.SessionUpdateAge,
		BaseURL:          c.BaseURL,
	})

	if c.GoogleEnabled() {
		g, err := NewGoogleProvider(ctx, c.GoogleClientID, c.GoogleClientSecret, c.BaseURL, secret)
		if err != nil {
			slog.Error("google provider disabled", "error", err)
		} else {
			a.Register(g)
		}
	}

	var sender EmailSender = logSender{}
	if c.SMTPHost != "" {
		sender = &SMTPSender{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUser,
			Password: c.SMTPPassword,
			From:     c.EmailFrom,
		}
	}
	a.Register(NewEmailProvider(sender, secret, c.EmailTokenMaxAge))

	if c.CredentialsEnabled() {
		a.Register(CredentialsProvider{})
	}
	return a
}

func (a *Authenticator) Register(p Provider) {
	if _, ok := a.providers[p.ID()]; !ok {
		a.order = append(a.order, p.ID())
	}
	a.providers[p.ID()] = p
}

func (a *Authenticator) Provider(id string) (Provider, bool) {
	p, ok := a.providers[id]
	return p, ok
}

func (a *Authenticator) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, ProviderInfo{ID: id, Type: a.providers[id].Type()})
	}
	return out
}

// SignIn applies the provider's acceptance policy, then resolves the user
// (by linked account, then by email, else a new user), links the account
// and opens a session. A rejected attempt writes nothing.
func (a *Authenticator) SignIn(ctx context.Context, at SignInAttempt) (*Session, *User, error) {
	p, ok := a.providers[at.Provider]
	if !ok {
		return nil, nil, &AuthenticationError{Provider: at.Provider, Reason: "unknown provider"}
	}
	at.Email = normalizeEmail(at.Email)
	if err := p.Accept(&at); err != nil {
		slog.Warn("sign-in rejected", "provider", at.Provider, "error", err)
		return nil, nil, err
	}

	user, err := a.adapter.GetUserByAccount(ctx, at.Provider, at.ProviderAccountID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		if user, err = a.resolveByEmail(ctx, &at); err != nil {
			return nil, nil, err
		}
		if _, err := a.adapter.LinkAccount(ctx, accountFor(p, user.ID, &at)); err != nil {
			return nil, nil, err
		}
	}

	s, err := a.adapter.CreateSession(ctx, user.ID, p.ID(), a.now().Add(a.opts.SessionMaxAge))
	if err != nil {
		return nil, nil, err
	}
	slog.Info("user signed in", "provider", p.ID(), "user_id", user.ID)
	return s, user, nil
}

// resolveByEmail finds or creates the user for an attempt that has no linked
// account yet. An existing user is only reused when the provider vouches for
// the email.
func (a *Authenticator) resolveByEmail(ctx context.Context, at *SignInAttempt) (*User, error) {
	existing, err := a.adapter.GetUserByEmail(ctx, at.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !at.emailVerified() {
			return nil, &DuplicateLinkError{Provider: at.Provider, ProviderAccountID: at.ProviderAccountID}
		}
		if existing.EmailVerified == nil {
			now := a.now()
			return a.adapter.UpdateUser(ctx, existing.ID, UserPatch{EmailVerified: &now})
		}
		return existing, nil
	}

	u := User{Email: at.Email, Name: at.Name, Image: at.Image}
	if at.emailVerified() {
		now := a.now()
		u.EmailVerified = &now
	}
	return a.adapter.CreateUser(ctx, u)
}

func accountFor(p Provider, userID string, at *SignInAttempt) Account {
	acc := Account{
		UserID:            userID,
		Type:              p.Type(),
		Provider:          p.ID(),
		ProviderAccountID: at.ProviderAccountID,
	}
	if at.IDToken != "" {
		acc.IDToken = &at.IDToken
	}
	if tok := at.Token; tok != nil {
		acc.AccessToken = &tok.AccessToken
		if tok.RefreshToken != "" {
			acc.RefreshToken = &tok.RefreshToken
		}
		if tok.TokenType != "" {
			acc.TokenType = &tok.TokenType
		}
		if !tok.Expiry.IsZero() {
			exp := tok.Expiry
			acc.ExpiresAt = &exp
		}
		if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
			acc.Scope = &scope
		}
	}
	return acc
}

// GetSession returns the session view for token, or nil when there is no
// valid session. The expiry slides forward once the session is older than
// SessionUpdateAge. Credits are attached when the ledger answers; a ledger
// failure only drops them from the view.
func (a *Authenticator) GetSession(ctx context.Context, token string) (*SessionView, error) {
	s, u, err := a.adapter.GetSessionAndUser(ctx, token)
	if err != nil || s == nil {
		return nil, err
	}

	now := a.now()
	if a.opts.SessionUpdateAge > 0 && now.Sub(s.Expires.Add(-a.opts.SessionMaxAge)) >= a.opts.SessionUpdateAge {
		renewed, err := a.adapter.UpdateSession(ctx, token, now.Add(a.opts.SessionMaxAge), "")
		if err != nil {
			slog.Warn("session renewal failed", "user_id", u.ID, "error", err)
		} else if renewed != nil {
			s = renewed
		}
	}

	view := &SessionView{
		User: SessionUser{
			ID:    u.ID,
			Name:  u.Name,
			Email: u.Email,
			Image: u.Image,
		},
		Expires:  s.Expires,
		Provider: s.Provider,
	}
	credits, err := a.ledger.GetBalance(ctx, u.ID)
	if err != nil {
		slog.Warn("credit lookup failed, returning session without credits", "user_id", u.ID, "error", err)
		return view, nil
	}
	view.User.Credits = &credits
	return view, nil
}

// SignOut deletes the session and reports which provider created it.
// Balance and linked accounts are untouched.
func (a *Authenticator) SignOut(ctx context.Context, token string) (string, error) {
	s, _, err := a.adapter.GetSessionAndUser(ctx, token)
	if err != nil {
		return "", err
	}
	if err := a.adapter.DeleteSession(ctx, token); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	slog.Info("user signed out", "provider", s.Provider, "user_id", s.UserID)
	return s.Provider, nil
}

func (a *Authenticator) emailProvider() (*EmailProvider, error) {
	p, ok := a.providers["email"].(*EmailProvider)
	if !ok {
		return nil, &AuthenticationError{Provider: "email", Reason: "provider not enabled"}
	}
	return p, nil
}

// RequestEmailSignIn stores a hashed single-use token and mails the link.
func (a *Authenticator) RequestEmailSignIn(ctx context.Context, email, callbackURL string) error {
	p, err := a.emailProvider()
	if err != nil {
		return err
	}
	email = normalizeEmail(email)
	if err := p.Accept(&SignInAttempt{Provider: p.ID(), Email: email}); err != nil {
		return err
	}
	token, err := genToken(32)
	if err != nil {
		return fmt.Errorf("email token: %w", err)
	}
	maxAge := p.maxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if _, err := a.adapter.CreateVerificationToken(ctx, VerificationToken{
		Identifier: email,
		Token:      p.hashToken(token),
		Expires:    a.now().Add(maxAge),
	}); err != nil {
		return err
	}

	q := url.Values{"token": {token}, "email": {email}}
	if callbackURL != "" {
		q.Set("callbackUrl", callbackURL)
	}
	link := a.opts.BaseURL + "/api/auth/callback/email?" + q.Encode()
	body := fmt.Sprintf("Sign in by opening this link:\n\n%s\n\nThe link expires in %s and works once.\n", link, maxAge)
	if err := p.sender.Send(ctx, email, "Your sign-in link", body); err != nil {
		return fmt.Errorf("send sign-in email: %w", err)
	}
	return nil
}

// VerifyEmailSignIn consumes the token from a sign-in link and signs the
// user in. Unknown, reused and expired tokens are rejected.
func (a *Authenticator) VerifyEmailSignIn(ctx context.Context, email, token string) (*Session, *User, error) {
	p, err := a.emailProvider()
	if err != nil {
		return nil, nil, err
	}
	vt, err := a.adapter.UseVerificationToken(ctx, email, p.hashToken(token))
	if err != nil {
		return nil, nil, err
	}
	if vt == nil {
		return nil, nil, &AuthenticationError{Provider: p.ID(), Reason: "sign-in link is invalid or already used"}
	}
	if vt.Expires.Before(a.now()) {
		return nil, nil, &AuthenticationError{Provider: p.ID(), Reason: "sign-in link has expired"}
	}
	verified := true
	return a.SignIn(ctx, SignInAttempt{
		Provider:          p.ID(),
		ProviderAccountID: vt.Identifier,
		Email:             vt.Identifier,
		EmailVerified:     &verified,
	})
}
