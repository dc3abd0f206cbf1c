package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseDB stores everything in ReplacingMergeTree tables and reads them
// with FINAL, so rows sharing a sorting key collapse into one logical row.
// There are no uniqueness constraints: duplicate checks are check-then-insert
// and multi-step operations are not atomic across concurrent callers.
type ClickHouseDB struct {
	conn driver.Conn
}

func NewClickHouseDB(ctx context.Context, dsn string) (*ClickHouseDB, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.MaxOpenConns = 20
	opts.ConnMaxLifetime = time.Hour
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	c := &ClickHouseDB{conn: conn}
	if err := c.Init(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *ClickHouseDB) Init(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return err
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id String,
			name Nullable(String),
			email String,
			email_verified Nullable(DateTime64(3, 'UTC')),
			image Nullable(String),
			created_at DateTime64(3, 'UTC') DEFAULT now64(3),
			updated_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree ORDER BY id`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id String,
			user_id String,
			type String,
			provider String,
			provider_account_id String,
			access_token Nullable(String),
			refresh_token Nullable(String),
			id_token Nullable(String),
			token_type Nullable(String),
			scope Nullable(String),
			expires_at Nullable(DateTime64(3, 'UTC')),
			created_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree ORDER BY (provider, provider_account_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_token String,
			user_id String,
			provider String,
			expires DateTime64(3, 'UTC'),
			created_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree ORDER BY session_token`,
		`CREATE TABLE IF NOT EXISTS verification_tokens (
			identifier String,
			token String,
			expires DateTime64(3, 'UTC'),
			created_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree ORDER BY (identifier, token)`,
		`CREATE TABLE IF NOT EXISTS user_credits (
			user_id String,
			credits Int64,
			updated_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(updated_at) ORDER BY user_id`,
		`CREATE TABLE IF NOT EXISTS api_usage (
			id UUID DEFAULT generateUUIDv4(),
			user_id String,
			api_name String,
			endpoint String,
			usage_count Int64 DEFAULT 1,
			credits_used Int64 DEFAULT 0,
			timestamp DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = MergeTree ORDER BY (user_id, timestamp, id)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id String,
			user_id String,
			type String,
			amount Int64,
			balance_after Int64,
			reference_type String,
			reference_id Nullable(String),
			description String,
			created_at DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = MergeTree ORDER BY (user_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id String,
			user_id String,
			name String,
			prefix String,
			hash String,
			created_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree ORDER BY id`,
	}
	for _, q := range queries {
		if err := c.conn.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// syncMutations makes ALTER ... UPDATE/DELETE return only once applied.
func syncMutations(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
}

func (c *ClickHouseDB) insert(ctx context.Context, query string, values ...interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	if err := batch.Append(values...); err != nil {
		batch.Abort()
		return err
	}
	return batch.Send()
}

func (c *ClickHouseDB) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const chUserColumns = `id, name, email, email_verified, image`

func (c *ClickHouseDB) scanUser(ctx context.Context, where string, args ...interface{}) (*User, error) {
	var u User
	row := c.conn.QueryRow(ctx, `SELECT `+chUserColumns+` FROM users FINAL WHERE `+where+` LIMIT 1`, args...)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified, &u.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (c *ClickHouseDB) CreateUser(ctx context.Context, u *User) error {
	taken, err := c.exists(ctx, `SELECT count() FROM users FINAL WHERE email = ?`, u.Email)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("users.email: %w", errConflict)
	}
	return c.insert(ctx, `INSERT INTO users (id, name, email, email_verified, image)`, u.ID, u.Name, u.Email, u.EmailVerified, u.Image)
}

func (c *ClickHouseDB) GetUser(ctx context.Context, id string) (*User, error) {
	return c.scanUser(ctx, `id = ?`, id)
}

func (c *ClickHouseDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return c.scanUser(ctx, `email = ?`, email)
}

func (c *ClickHouseDB) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	var userID string
	err := c.conn.QueryRow(ctx, `SELECT user_id FROM accounts FINAL WHERE provider = ? AND provider_account_id = ? LIMIT 1`, provider, providerAccountID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c.GetUser(ctx, userID)
}

func (c *ClickHouseDB) UpdateUser(ctx context.Context, id string, p UserPatch) (*User, error) {
	existing, err := c.GetUser(ctx, id)
	if err != nil || existing == nil {
		return nil, err
	}
	var sets []string
	var args []interface{}
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.Email != nil {
		taken, err := c.exists(ctx, `SELECT count() FROM users FINAL WHERE email = ? AND id != ?`, *p.Email, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("users.email: %w", errConflict)
		}
		sets = append(sets, "email = ?")
		args = append(args, *p.Email)
	}
	if p.EmailVerified != nil {
		sets = append(sets, "email_verified = fromUnixTimestamp64Milli(toInt64(?))")
		args = append(args, p.EmailVerified.UnixMilli())
	}
	if p.Image != nil {
		sets = append(sets, "image = ?")
		args = append(args, *p.Image)
	}
	if len(sets) == 0 {
		return existing, nil
	}
	sets = append(sets, "updated_at = now64(3)")
	args = append(args, id)
	if err := c.conn.Exec(syncMutations(ctx), `ALTER TABLE users UPDATE `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return c.GetUser(ctx, id)
}

func (c *ClickHouseDB) DeleteUser(ctx context.Context, id string) error {
	ctx = syncMutations(ctx)
	for _, q := range []string{
		`ALTER TABLE accounts DELETE WHERE user_id = ?`,
		`ALTER TABLE sessions DELETE WHERE user_id = ?`,
		`ALTER TABLE user_credits DELETE WHERE user_id = ?`,
		`ALTER TABLE api_usage DELETE WHERE user_id = ?`,
		`ALTER TABLE credit_transactions DELETE WHERE user_id = ?`,
		`ALTER TABLE api_keys DELETE WHERE user_id = ?`,
		`ALTER TABLE users DELETE WHERE id = ?`,
	} {
		if err := c.conn.Exec(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *ClickHouseDB) LinkAccount(ctx context.Context, a *Account) error {
	taken, err := c.exists(ctx, `SELECT count() FROM accounts FINAL WHERE provider = ? AND provider_account_id = ?`, a.Provider, a.ProviderAccountID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("accounts.provider_account: %w", errConflict)
	}
	return c.insert(ctx, `INSERT INTO accounts (id, user_id, type, provider, provider_account_id, access_token, refresh_token, id_token, token_type, scope, expires_at)`,
		a.ID, a.UserID, a.Type, a.Provider, a.ProviderAccountID, a.AccessToken, a.RefreshToken, a.IDToken, a.TokenType, a.Scope, a.ExpiresAt)
}

func (c *ClickHouseDB) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	return c.conn.Exec(syncMutations(ctx), `ALTER TABLE accounts DELETE WHERE provider = ? AND provider_account_id = ?`, provider, providerAccountID)
}

func (c *ClickHouseDB) CreateSession(ctx context.Context, s *Session) error {
	return c.insert(ctx, `INSERT INTO sessions (session_token, user_id, provider, expires)`, s.SessionToken, s.UserID, s.Provider, s.Expires)
}

func (c *ClickHouseDB) getSession(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := c.conn.QueryRow(ctx, `SELECT session_token, user_id, provider, expires FROM sessions FINAL WHERE session_token = ? LIMIT 1`, token).
		Scan(&s.SessionToken, &s.UserID, &s.Provider, &s.Expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (c *ClickHouseDB) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	s, err := c.getSession(ctx, token)
	if err != nil || s == nil {
		return nil, nil, err
	}
	u, err := c.GetUser(ctx, s.UserID)
	if err != nil || u == nil {
		return nil, nil, err
	}
	return s, u, nil
}

func (c *ClickHouseDB) UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error) {
	s, err := c.getSession(ctx, token)
	if err != nil || s == nil {
		return nil, err
	}
	if userID == "" {
		err = c.conn.Exec(syncMutations(ctx), `ALTER TABLE sessions UPDATE expires = fromUnixTimestamp64Milli(toInt64(?)) WHERE session_token = ?`, expires.UnixMilli(), token)
	} else {
		err = c.conn.Exec(syncMutations(ctx), `ALTER TABLE sessions UPDATE user_id = ?, expires = fromUnixTimestamp64Milli(toInt64(?)) WHERE session_token = ?`, userID, expires.UnixMilli(), token)
	}
	if err != nil {
		return nil, err
	}
	return c.getSession(ctx, token)
}

func (c *ClickHouseDB) DeleteSession(ctx context.Context, token string) error {
	return c.conn.Exec(syncMutations(ctx), `ALTER TABLE sessions DELETE WHERE session_token = ?`, token)
}

func (c *ClickHouseDB) CreateVerificationToken(ctx context.Context, vt *VerificationToken) error {
	return c.insert(ctx, `INSERT INTO verification_tokens (identifier, token, expires)`, vt.Identifier, vt.Token, vt.Expires)
}

// UseVerificationToken reads then deletes with a synchronous mutation. Two
// concurrent callers can both observe the row before the delete lands.
func (c *ClickHouseDB) UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error) {
	var vt VerificationToken
	err := c.conn.QueryRow(ctx, `SELECT identifier, token, expires FROM verification_tokens FINAL WHERE identifier = ? AND token = ? LIMIT 1`, identifier, token).
		Scan(&vt.Identifier, &vt.Token, &vt.Expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := c.conn.Exec(syncMutations(ctx), `ALTER TABLE verification_tokens DELETE WHERE identifier = ? AND token = ?`, identifier, token); err != nil {
		return nil, err
	}
	return &vt, nil
}

func (c *ClickHouseDB) readCredits(ctx context.Context, userID string) (int64, bool, error) {
	var credits int64
	err := c.conn.QueryRow(ctx, `SELECT credits FROM user_credits FINAL WHERE user_id = ? LIMIT 1`, userID).Scan(&credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return credits, true, nil
}

// seedVersion is the updated_at of a seed balance row. Every set or
// decrement stamps now64(3), so under FINAL a modified balance outranks any
// seed, including one inserted after the modification.
var seedVersion = time.UnixMilli(0).UTC()

func (c *ClickHouseDB) seedCredits(ctx context.Context, userID string, initial int64) error {
	return c.insert(ctx, `INSERT INTO user_credits (user_id, credits, updated_at)`, userID, initial, seedVersion)
}

func (c *ClickHouseDB) GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error) {
	credits, ok, err := c.readCredits(ctx, userID)
	if err != nil || ok {
		return credits, false, err
	}
	// racing seeds share the user_id sorting key and collapse under FINAL
	if err := c.seedCredits(ctx, userID, initial); err != nil {
		return 0, false, err
	}
	credits, _, err = c.readCredits(ctx, userID)
	return credits, true, err
}

func (c *ClickHouseDB) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	prev, ok, err := c.readCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	if err := c.conn.Exec(syncMutations(ctx), `ALTER TABLE user_credits UPDATE credits = ?, updated_at = now64(3) WHERE user_id = ?`, credits, userID); err != nil {
		return 0, err
	}
	return prev, nil
}

func (c *ClickHouseDB) InsertUsage(ctx context.Context, r *UsageRecord) error {
	count := r.UsageCount
	if count == 0 {
		count = 1
	}
	id := uuid.New()
	if err := c.insert(ctx, `INSERT INTO api_usage (id, user_id, api_name, endpoint, usage_count, credits_used)`,
		id, r.UserID, r.APIName, r.Endpoint, count, r.CreditsUsed); err != nil {
		return err
	}
	r.ID = id.String()
	return nil
}

func (c *ClickHouseDB) DecrementCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := c.conn.Exec(syncMutations(ctx), `ALTER TABLE user_credits UPDATE credits = credits - ?, updated_at = now64(3) WHERE user_id = ?`, amount, userID); err != nil {
		return 0, err
	}
	credits, ok, err := c.readCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	return credits, nil
}

func (c *ClickHouseDB) UsageSummary(ctx context.Context, userID string, limit int) ([]UsageSummary, error) {
	rows, err := c.conn.Query(ctx, `SELECT api_name, endpoint, sum(usage_count), sum(credits_used), max(timestamp) AS last_used
		FROM api_usage
		WHERE user_id = ?
		GROUP BY api_name, endpoint
		ORDER BY last_used DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageSummary
	for rows.Next() {
		var us UsageSummary
		if err := rows.Scan(&us.APIName, &us.Endpoint, &us.TotalRequests, &us.TotalCreditsUsed, &us.LastUsed); err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, rows.Err()
}

func (c *ClickHouseDB) MonthlyUsageCount(ctx context.Context, userID string) (int64, error) {
	var n uint64
	err := c.conn.QueryRow(ctx, `SELECT count() FROM api_usage WHERE user_id = ? AND timestamp >= toStartOfMonth(now())`, userID).Scan(&n)
	return int64(n), err
}

func (c *ClickHouseDB) AppendCreditTransaction(ctx context.Context, t *CreditTransaction) error {
	return c.insert(ctx, `INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, reference_type, reference_id, description)`,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.ReferenceType, t.ReferenceID, t.Description)
}

func (c *ClickHouseDB) CreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	rows, err := c.conn.Query(ctx, `SELECT id, user_id, type, amount, balance_after, reference_type, reference_id, description, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *ClickHouseDB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	return c.insert(ctx, `INSERT INTO api_keys (id, user_id, name, prefix, hash, created_at)`, k.ID, k.UserID, k.Name, k.Prefix, k.Hash, k.CreatedAt)
}

func (c *ClickHouseDB) queryAPIKeys(ctx context.Context, where string, arg string) ([]*APIKey, error) {
	rows, err := c.conn.Query(ctx, `SELECT id, user_id, name, prefix, hash, created_at FROM api_keys FINAL WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Hash, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (c *ClickHouseDB) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return c.queryAPIKeys(ctx, `user_id = ? ORDER BY created_at DESC`, userID)
}

func (c *ClickHouseDB) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	return c.queryAPIKeys(ctx, `prefix = ?`, prefix)
}

func (c *ClickHouseDB) DeleteAPIKey(ctx context.Context, userID, id string) error {
	ok, err := c.exists(ctx, `SELECT count() FROM api_keys FINAL WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Entity: "api key", Key: id}
	}
	return c.conn.Exec(syncMutations(ctx), `ALTER TABLE api_keys DELETE WHERE id = ?`, id)
}

func (c *ClickHouseDB) close() error { return c.conn.Close() }
func (c *ClickHouseDB) ping() bool   { return c.conn.Ping(context.Background()) == nil }
