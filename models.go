package main

import "time"

// User represents a user in the system
type User struct {
	ID            string     `json:"id"`
	Name          *string    `json:"name"`
	Email         string     `json:"email"`
	EmailVerified *time.Time `json:"emailVerified"`
	Image         *string    `json:"image"`
}

// UserPatch carries a partial user update. Nil fields keep their stored value.
type UserPatch struct {
	Name          *string
	Email         *string
	EmailVerified *time.Time
	Image         *string
}

// Account links a user to an identity asserted by an external provider
type Account struct {
	ID                string
	UserID            string
	Type              string // oauth, email, credentials
	Provider          string
	ProviderAccountID string
	AccessToken       *string
	RefreshToken      *string
	IDToken           *string
	TokenType         *string
	Scope             *string
	ExpiresAt         *time.Time
}

// Session is a persisted login. SessionToken is the bearer credential.
type Session struct {
	SessionToken string
	UserID       string
	Provider     string
	Expires      time.Time
}

// VerificationToken is a single-use email sign-in secret
type VerificationToken struct {
	Identifier string
	Token      string
	Expires    time.Time
}

// UsageRecord is one append-only API usage event
type UsageRecord struct {
	ID          string
	UserID      string
	APIName     string
	Endpoint    string
	UsageCount  int64
	CreditsUsed int64
	Timestamp   time.Time
}

// UsageSummary aggregates usage per (api, endpoint)
type UsageSummary struct {
	APIName          string    `json:"apiName"`
	Endpoint         string    `json:"endpoint"`
	TotalRequests    int64     `json:"totalRequests"`
	TotalCreditsUsed int64     `json:"totalCreditsUsed"`
	LastUsed         time.Time `json:"lastUsed"`
}

// APIKey is a credential used by API clients to report metered usage
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionUser is the user part of the session value handed to the presentation layer
type SessionUser struct {
	ID      string  `json:"id"`
	Name    *string `json:"name"`
	Email   string  `json:"email"`
	Image   *string `json:"image"`
	Credits *int64  `json:"credits,omitempty"`
}

// SessionView is what getSession returns to callers
type SessionView struct {
	User     SessionUser `json:"user"`
	Expires  time.Time   `json:"expires"`
	Provider string      `json:"provider"`
}

// Credit transaction types
const (
	TxInitial    = "initial"
	TxUsage      = "usage"
	TxAdjustment = "adjustment"
)

// CreditTransaction is a display record of one balance change. The balance
// itself lives in user_credits; these rows are never read back into it.
type CreditTransaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"-"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   *string   `json:"reference_id,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}
