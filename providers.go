package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider types
const (
	ProviderTypeOAuth       = "oauth"
	ProviderTypeEmail       = "email"
	ProviderTypeCredentials = "credentials"
)

// SignInAttempt is the identity a provider asserts for one sign-in.
type SignInAttempt struct {
	Provider          string
	ProviderAccountID string
	Email             string
	Name              *string
	Image             *string
	// EmailVerified is nil when the provider made no claim either way.
	EmailVerified *bool
	Token         *oauth2.Token
	IDToken       string
}

func (at *SignInAttempt) emailVerified() bool {
	return at.EmailVerified != nil && *at.EmailVerified
}

// Provider decides whether a sign-in attempt is acceptable.
type Provider interface {
	ID() string
	Type() string
	Accept(at *SignInAttempt) error
}

// ProviderInfo is the public description of a registered provider.
type ProviderInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// GoogleProvider signs users in with Google OpenID Connect.
type GoogleProvider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	secret   []byte
}

// NewGoogleProvider discovers Google's OIDC configuration, so it needs network access.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, baseURL string, stateSecret []byte) (*GoogleProvider, error) {
	issuer, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  baseURL + "/api/auth/callback/google",
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: issuer.Verifier(&oidc.Config{ClientID: clientID}),
		secret:   stateSecret,
	}, nil
}

func (g *GoogleProvider) ID() string   { return "google" }
func (g *GoogleProvider) Type() string { return ProviderTypeOAuth }

// Accept rejects profiles that explicitly report an unverified email.
func (g *GoogleProvider) Accept(at *SignInAttempt) error {
	if at.EmailVerified != nil && !*at.EmailVerified {
		return &AuthenticationError{Provider: g.ID(), Reason: "email address is not verified"}
	}
	if at.ProviderAccountID == "" || at.Email == "" {
		return &AuthenticationError{Provider: g.ID(), Reason: "profile is missing subject or email"}
	}
	return nil
}

// AuthCodeURL returns the consent page URL. The state parameter carries the
// nonce and the post sign-in redirect.
func (g *GoogleProvider) AuthCodeURL(callbackURL string) (string, error) {
	nonce, err := genToken(16)
	if err != nil {
		return "", err
	}
	state, err := signState(g.secret, nonce, callbackURL, time.Now())
	if err != nil {
		return "", err
	}
	return g.oauth.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange completes the authorization code flow and returns the attempt
// plus the callback URL recorded in state.
func (g *GoogleProvider) Exchange(ctx context.Context, code, state string) (*SignInAttempt, string, error) {
	st, err := parseState(g.secret, state)
	if err != nil {
		return nil, "", &AuthenticationError{Provider: g.ID(), Reason: "invalid state"}
	}
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", &AuthenticationError{Provider: g.ID(), Reason: "code exchange failed"}
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, "", &AuthenticationError{Provider: g.ID(), Reason: "no id_token in token response"}
	}
	idt, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, "", &AuthenticationError{Provider: g.ID(), Reason: "id_token verification failed"}
	}
	if idt.Nonce != st.Nonce {
		return nil, "", &AuthenticationError{Provider: g.ID(), Reason: "nonce mismatch"}
	}
	var claims googleClaims
	if err := idt.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("decode id_token claims: %w", err)
	}
	at := &SignInAttempt{
		Provider:          g.ID(),
		ProviderAccountID: idt.Subject,
		Email:             claims.Email,
		EmailVerified:     claims.EmailVerified,
		Token:             tok,
		IDToken:           raw,
	}
	if claims.Name != "" {
		at.Name = &claims.Name
	}
	if claims.Picture != "" {
		at.Image = &claims.Picture
	}
	return at, st.Callback, nil
}

const stateTTL = 10 * time.Minute

type oauthState struct {
	Nonce    string `json:"nonce"`
	Callback string `json:"cb,omitempty"`
	jwt.RegisteredClaims
}

func signState(secret []byte, nonce, callbackURL string, now time.Time) (string, error) {
	claims := oauthState{
		Nonce:    nonce,
		Callback: callbackURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseState(secret []byte, state string) (*oauthState, error) {
	var st oauthState
	_, err := jwt.ParseWithClaims(state, &st, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if st.Nonce == "" {
		return nil, errors.New("state without nonce")
	}
	return &st, nil
}

// EmailProvider signs users in with a one-time link mailed to them.
type EmailProvider struct {
	sender EmailSender
	secret []byte
	maxAge time.Duration
}

func NewEmailProvider(sender EmailSender, secret []byte, maxAge time.Duration) *EmailProvider {
	return &EmailProvider{sender: sender, secret: secret, maxAge: maxAge}
}

func (e *EmailProvider) ID() string   { return "email" }
func (e *EmailProvider) Type() string { return ProviderTypeEmail }

func (e *EmailProvider) Accept(at *SignInAttempt) error {
	if err := validate.Var(at.Email, "required,email"); err != nil {
		return &AuthenticationError{Provider: e.ID(), Reason: "invalid email address"}
	}
	return nil
}

// hashToken is what gets stored; the raw token only travels in the link.
func (e *EmailProvider) hashToken(token string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// CredentialsProvider is a development sign-in that trusts the email it is
// given. It is only registered outside production.
type CredentialsProvider struct{}

func (CredentialsProvider) ID() string   { return "credentials" }
func (CredentialsProvider) Type() string { return ProviderTypeCredentials }

func (c CredentialsProvider) Accept(at *SignInAttempt) error {
	if err := validate.Var(at.Email, "required,email"); err != nil {
		return &AuthenticationError{Provider: c.ID(), Reason: "invalid email address"}
	}
	verified := true
	at.EmailVerified = &verified
	if at.ProviderAccountID == "" {
		at.ProviderAccountID = at.Email
	}
	return nil
}
