package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	cfg "github.com/example/apimarket/internal/config"
)

// Store is the persistence contract every backend implements.
// Absent rows are reported as nil results, not errors.
type Store interface {
	Init(ctx context.Context) error
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error)
	UpdateUser(ctx context.Context, id string, p UserPatch) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	// Linked account operations
	LinkAccount(ctx context.Context, a *Account) error
	UnlinkAccount(ctx context.Context, provider, providerAccountID string) error
	// Session operations
	CreateSession(ctx context.Context, s *Session) error
	GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error)
	UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	// Verification token operations
	CreateVerificationToken(ctx context.Context, vt *VerificationToken) error
	UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error)
	// Credit operations
	// GetOrInitCredits reports whether this call created the balance row.
	GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error)
	// SetCredits returns the balance it replaced.
	SetCredits(ctx context.Context, userID string, credits int64) (int64, error)
	// InsertUsage sets r.ID.
	InsertUsage(ctx context.Context, r *UsageRecord) error
	// DecrementCredits returns the balance after the decrement.
	DecrementCredits(ctx context.Context, userID string, amount int64) (int64, error)
	UsageSummary(ctx context.Context, userID string, limit int) ([]UsageSummary, error)
	MonthlyUsageCount(ctx context.Context, userID string) (int64, error)
	AppendCreditTransaction(ctx context.Context, t *CreditTransaction) error
	CreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
	// API key operations
	CreateAPIKey(ctx context.Context, k *APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, id string) error
}

var (
	storeOnce   sync.Once
	sharedStore Store
	storeErr    error
)

// openStore initializes the process-wide store exactly once. Later calls
// return the same handle (or the same initialization error).
func openStore(ctx context.Context, c *cfg.Config) (Store, error) {
	storeOnce.Do(func() {
		sharedStore, storeErr = newStore(ctx, c)
	})
	return sharedStore, storeErr
}

func newStore(ctx context.Context, c *cfg.Config) (Store, error) {
	switch c.DBAdapter {
	case cfg.AdapterSQLite:
		s, err := NewSQLiteDB(ctx, c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		return s, nil
	case cfg.AdapterPostgres:
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config error: %w", err)
		}
		slog.Info("applying database migrations", "dir", c.MigrationsDir)
		if err := ApplyMigrations(c.MigrationsDir, dsn); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := NewPostgresDB(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		slog.Info("connected to PostgreSQL database")
		return p, nil
	case cfg.AdapterClickHouse:
		dsn, err := c.BuildClickHouseDSN()
		if err != nil {
			return nil, fmt.Errorf("clickhouse config error: %w", err)
		}
		ch, err := NewClickHouseDB(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("clickhouse init: %w", err)
		}
		slog.Info("connected to ClickHouse database")
		return ch, nil
	case cfg.AdapterMemory:
		slog.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}
}

func accountKey(provider, providerAccountID string) string {
	return provider + "\x00" + providerAccountID
}

// Memory DB
type MemDB struct {
	mu       sync.Mutex
	users    map[string]*User
	accounts map[string]*Account
	sessions map[string]*Session
	tokens   map[string]*VerificationToken
	credits  map[string]int64
	usage    []*UsageRecord
	txs      []*CreditTransaction
	keys     map[string]*APIKey
	seq      int64
	now      func() time.Time
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:    map[string]*User{},
		accounts: map[string]*Account{},
		sessions: map[string]*Session{},
		tokens:   map[string]*VerificationToken{},
		credits:  map[string]int64{},
		keys:     map[string]*APIKey{},
		now:      time.Now,
	}
}

func (m *MemDB) Init(ctx context.Context) error { return nil }

func (m *MemDB) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return fmt.Errorf("users.email: %w", errConflict)
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemDB) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDB) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return nil, nil
	}
	if u, ok := m.users[a.UserID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) UpdateUser(ctx context.Context, id string, p UserPatch) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	if p.Email != nil {
		for _, other := range m.users {
			if other.ID != id && other.Email == *p.Email {
				return nil, fmt.Errorf("users.email: %w", errConflict)
			}
		}
		u.Email = *p.Email
	}
	if p.Name != nil {
		u.Name = p.Name
	}
	if p.EmailVerified != nil {
		u.EmailVerified = p.EmailVerified
	}
	if p.Image != nil {
		u.Image = p.Image
	}
	cp := *u
	return &cp, nil
}

func (m *MemDB) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	for k, a := range m.accounts {
		if a.UserID == id {
			delete(m.accounts, k)
		}
	}
	for k, s := range m.sessions {
		if s.UserID == id {
			delete(m.sessions, k)
		}
	}
	delete(m.credits, id)
	kept := m.usage[:0]
	for _, r := range m.usage {
		if r.UserID != id {
			kept = append(kept, r)
		}
	}
	m.usage = kept
	keptTx := m.txs[:0]
	for _, t := range m.txs {
		if t.UserID != id {
			keptTx = append(keptTx, t)
		}
	}
	m.txs = keptTx
	for k, key := range m.keys {
		if key.UserID == id {
			delete(m.keys, k)
		}
	}
	return nil
}

func (m *MemDB) LinkAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey(a.Provider, a.ProviderAccountID)
	if _, ok := m.accounts[k]; ok {
		return fmt.Errorf("accounts.provider_account: %w", errConflict)
	}
	cp := *a
	m.accounts[k] = &cp
	return nil
}

func (m *MemDB) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, accountKey(provider, providerAccountID))
	return nil
}

func (m *MemDB) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionToken]; ok {
		return fmt.Errorf("sessions.session_token: %w", errConflict)
	}
	cp := *s
	m.sessions[s.SessionToken] = &cp
	return nil
}

func (m *MemDB) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil, nil
	}
	u, ok := m.users[s.UserID]
	if !ok {
		return nil, nil, nil
	}
	sc, uc := *s, *u
	return &sc, &uc, nil
}

func (m *MemDB) UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	s.Expires = expires
	if userID != "" {
		s.UserID = userID
	}
	cp := *s
	return &cp, nil
}

func (m *MemDB) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *MemDB) CreateVerificationToken(ctx context.Context, vt *VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey(vt.Identifier, vt.Token)
	if _, ok := m.tokens[k]; ok {
		return fmt.Errorf("verification_tokens: %w", errConflict)
	}
	cp := *vt
	m.tokens[k] = &cp
	return nil
}

func (m *MemDB) UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey(identifier, token)
	vt, ok := m.tokens[k]
	if !ok {
		return nil, nil
	}
	delete(m.tokens, k)
	return vt, nil
}

func (m *MemDB) GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credits[userID]; ok {
		return c, false, nil
	}
	if _, ok := m.users[userID]; !ok {
		return 0, false, fmt.Errorf("user_credits.user_id references unknown user %s", userID)
	}
	m.credits[userID] = initial
	return initial, true, nil
}

func (m *MemDB) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.credits[userID]
	if !ok {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	m.credits[userID] = credits
	return prev, nil
}

func (m *MemDB) InsertUsage(ctx context.Context, r *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *r
	cp.ID = strconv.FormatInt(m.seq, 10)
	cp.Timestamp = m.now()
	if cp.UsageCount == 0 {
		cp.UsageCount = 1
	}
	m.usage = append(m.usage, &cp)
	r.ID = cp.ID
	return nil
}

func (m *MemDB) DecrementCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[userID]
	if !ok {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	m.credits[userID] = c - amount
	return c - amount, nil
}

func (m *MemDB) UsageSummary(ctx context.Context, userID string, limit int) ([]UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type group struct {
		UsageSummary
		last int
	}
	groups := map[string]*group{}
	for i, r := range m.usage {
		if r.UserID != userID {
			continue
		}
		k := accountKey(r.APIName, r.Endpoint)
		g, ok := groups[k]
		if !ok {
			g = &group{UsageSummary: UsageSummary{APIName: r.APIName, Endpoint: r.Endpoint}}
			groups[k] = g
		}
		g.TotalRequests += r.UsageCount
		g.TotalCreditsUsed += r.CreditsUsed
		if !r.Timestamp.Before(g.LastUsed) {
			g.LastUsed = r.Timestamp
		}
		g.last = i
	}
	list := make([]*group, 0, len(groups))
	for _, g := range groups {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastUsed.Equal(list[j].LastUsed) {
			return list[i].LastUsed.After(list[j].LastUsed)
		}
		return list[i].last > list[j].last
	})
	out := make([]UsageSummary, 0, len(list))
	for _, g := range list {
		if len(out) == limit {
			break
		}
		out = append(out, g.UsageSummary)
	}
	return out, nil
}

func (m *MemDB) MonthlyUsageCount(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var n int64
	for _, r := range m.usage {
		if r.UserID == userID && !r.Timestamp.Before(start) {
			n++
		}
	}
	return n, nil
}

func (m *MemDB) AppendCreditTransaction(ctx context.Context, t *CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.UserID]; !ok {
		return fmt.Errorf("credit_transactions.user_id references unknown user %s", t.UserID)
	}
	cp := *t
	cp.CreatedAt = m.now()
	m.txs = append(m.txs, &cp)
	t.CreatedAt = cp.CreatedAt
	return nil
}

// CreditTransactions returns the newest first; equal timestamps keep reverse insertion order.
func (m *MemDB) CreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CreditTransaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID == userID {
			out = append(out, *m.txs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemDB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *MemDB) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APIKey
	for _, k := range m.keys {
		if k.Prefix == prefix {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemDB) DeleteAPIKey(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.UserID != userID {
		return &NotFoundError{Entity: "api key", Key: id}
	}
	delete(m.keys, id)
	return nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }
