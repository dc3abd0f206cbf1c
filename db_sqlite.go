package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteNow is the store clock in unix milliseconds.
const sqliteNow = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer connection keeps concurrent first reads from tripping SQLITE_BUSY
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, name TEXT, email TEXT NOT NULL UNIQUE, email_verified INTEGER, image TEXT, created_at INTEGER NOT NULL DEFAULT (` + sqliteNow + `), updated_at INTEGER NOT NULL DEFAULT (` + sqliteNow + `));`,
		`CREATE TABLE IF NOT EXISTS accounts (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, type TEXT NOT NULL, provider TEXT NOT NULL, provider_account_id TEXT NOT NULL, access_token TEXT, refresh_token TEXT, id_token TEXT, token_type TEXT, scope TEXT, expires_at INTEGER, UNIQUE(provider, provider_account_id));`,
		`CREATE TABLE IF NOT EXISTS sessions (session_token TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, provider TEXT NOT NULL DEFAULT '', expires INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions(user_id);`,
		`CREATE TABLE IF NOT EXISTS verification_tokens (identifier TEXT NOT NULL, token TEXT NOT NULL, expires INTEGER NOT NULL, PRIMARY KEY (identifier, token));`,
		`CREATE TABLE IF NOT EXISTS user_credits (user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE, credits INTEGER NOT NULL, updated_at INTEGER NOT NULL DEFAULT (` + sqliteNow + `));`,
		`CREATE TABLE IF NOT EXISTS api_usage (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, api_name TEXT NOT NULL, endpoint TEXT NOT NULL, usage_count INTEGER NOT NULL DEFAULT 1, credits_used INTEGER NOT NULL DEFAULT 0, timestamp INTEGER NOT NULL DEFAULT (` + sqliteNow + `));`,
		`CREATE INDEX IF NOT EXISTS api_usage_user_ts_idx ON api_usage(user_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, type TEXT NOT NULL, amount INTEGER NOT NULL, balance_after INTEGER NOT NULL, reference_type TEXT NOT NULL, reference_id TEXT, description TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL DEFAULT (` + sqliteNow + `));`,
		`CREATE INDEX IF NOT EXISTS credit_transactions_user_idx ON credit_transactions(user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS api_keys (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, name TEXT NOT NULL, prefix TEXT NOT NULL, hash TEXT NOT NULL, created_at INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS api_keys_prefix_idx ON api_keys(prefix);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func sqliteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", errConflict, err)
	}
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var u User
	var verified sql.NullInt64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &verified, &u.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.EmailVerified = fromNullMillis(verified)
	return &u, nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id,name,email,email_verified,image) VALUES(?,?,?,?,?)`,
		u.ID, u.Name, u.Email, nullMillis(u.EmailVerified), u.Image)
	return sqliteErr(err)
}

func (s *SQLiteDB) GetUser(ctx context.Context, id string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT id,name,email,email_verified,image FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT id,name,email,email_verified,image FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT u.id,u.name,u.email,u.email_verified,u.image FROM users u JOIN accounts a ON u.id = a.user_id WHERE a.provider = ? AND a.provider_account_id = ?`, provider, providerAccountID))
}

func (s *SQLiteDB) UpdateUser(ctx context.Context, id string, p UserPatch) (*User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = COALESCE(?, name), email = COALESCE(?, email), email_verified = COALESCE(?, email_verified), image = COALESCE(?, image), updated_at = `+sqliteNow+` WHERE id = ?`,
		p.Name, p.Email, nullMillis(p.EmailVerified), p.Image, id)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetUser(ctx, id)
}

func (s *SQLiteDB) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM accounts WHERE user_id = ?`,
		`DELETE FROM sessions WHERE user_id = ?`,
		`DELETE FROM user_credits WHERE user_id = ?`,
		`DELETE FROM api_usage WHERE user_id = ?`,
		`DELETE FROM credit_transactions WHERE user_id = ?`,
		`DELETE FROM api_keys WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) LinkAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(id,user_id,type,provider,provider_account_id,access_token,refresh_token,id_token,token_type,scope,expires_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.Type, a.Provider, a.ProviderAccountID, a.AccessToken, a.RefreshToken, a.IDToken, a.TokenType, a.Scope, nullMillis(a.ExpiresAt))
	return sqliteErr(err)
}

func (s *SQLiteDB) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE provider = ? AND provider_account_id = ?`, provider, providerAccountID)
	return err
}

func (s *SQLiteDB) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(session_token,user_id,provider,expires) VALUES(?,?,?,?)`,
		sess.SessionToken, sess.UserID, sess.Provider, millis(sess.Expires))
	return sqliteErr(err)
}

func (s *SQLiteDB) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT s.session_token,s.user_id,s.provider,s.expires,u.id,u.name,u.email,u.email_verified,u.image FROM sessions s JOIN users u ON s.user_id = u.id WHERE s.session_token = ?`, token)
	var sess Session
	var u User
	var expires int64
	var verified sql.NullInt64
	if err := row.Scan(&sess.SessionToken, &sess.UserID, &sess.Provider, &expires, &u.ID, &u.Name, &u.Email, &verified, &u.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	sess.Expires = fromMillis(expires)
	u.EmailVerified = fromNullMillis(verified)
	return &sess, &u, nil
}

func (s *SQLiteDB) UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error) {
	var res sql.Result
	var err error
	if userID == "" {
		res, err = s.db.ExecContext(ctx, `UPDATE sessions SET expires = ? WHERE session_token = ?`, millis(expires), token)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE sessions SET user_id = ?, expires = ? WHERE session_token = ?`, userID, millis(expires), token)
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT session_token,user_id,provider,expires FROM sessions WHERE session_token = ?`, token)
	var sess Session
	var ms int64
	if err := row.Scan(&sess.SessionToken, &sess.UserID, &sess.Provider, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess.Expires = fromMillis(ms)
	return &sess, nil
}

func (s *SQLiteDB) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = ?`, token)
	return err
}

func (s *SQLiteDB) CreateVerificationToken(ctx context.Context, vt *VerificationToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO verification_tokens(identifier,token,expires) VALUES(?,?,?)`, vt.Identifier, vt.Token, millis(vt.Expires))
	return sqliteErr(err)
}

func (s *SQLiteDB) UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM verification_tokens WHERE identifier = ? AND token = ? RETURNING identifier, token, expires`, identifier, token)
	var vt VerificationToken
	var ms int64
	if err := row.Scan(&vt.Identifier, &vt.Token, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	vt.Expires = fromMillis(ms)
	return &vt, nil
}

func (s *SQLiteDB) GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM user_credits WHERE user_id = ?`, userID).Scan(&credits)
	if err == nil {
		return credits, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO user_credits(user_id,credits) VALUES(?,?) ON CONFLICT(user_id) DO NOTHING`, userID, initial)
	if err != nil {
		return 0, false, err
	}
	created := false
	if n, _ := res.RowsAffected(); n == 1 {
		created = true
	}
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM user_credits WHERE user_id = ?`, userID).Scan(&credits); err != nil {
		return 0, false, err
	}
	return credits, created, nil
}

func (s *SQLiteDB) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var prev int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM user_credits WHERE user_id = ?`, userID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_credits SET credits = ?, updated_at = `+sqliteNow+` WHERE user_id = ?`, credits, userID); err != nil {
		return 0, err
	}
	return prev, tx.Commit()
}

func (s *SQLiteDB) InsertUsage(ctx context.Context, r *UsageRecord) error {
	count := r.UsageCount
	if count == 0 {
		count = 1
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO api_usage(user_id,api_name,endpoint,usage_count,credits_used) VALUES(?,?,?,?,?)`,
		r.UserID, r.APIName, r.Endpoint, count, r.CreditsUsed)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *SQLiteDB) DecrementCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `UPDATE user_credits SET credits = credits - ?, updated_at = `+sqliteNow+` WHERE user_id = ? RETURNING credits`, amount, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	return credits, err
}

func (s *SQLiteDB) UsageSummary(ctx context.Context, userID string, limit int) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT api_name, endpoint, SUM(usage_count), SUM(credits_used), MAX(timestamp)
		FROM api_usage WHERE user_id = ?
		GROUP BY api_name, endpoint
		ORDER BY MAX(timestamp) DESC, MAX(id) DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageSummary
	for rows.Next() {
		var us UsageSummary
		var last int64
		if err := rows.Scan(&us.APIName, &us.Endpoint, &us.TotalRequests, &us.TotalCreditsUsed, &last); err != nil {
			return nil, err
		}
		us.LastUsed = fromMillis(last)
		out = append(out, us)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) MonthlyUsageCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_usage WHERE user_id = ? AND timestamp >= CAST((julianday('now', 'start of month') - 2440587.5) * 86400000 AS INTEGER)`, userID).Scan(&n)
	return n, err
}

func (s *SQLiteDB) AppendCreditTransaction(ctx context.Context, t *CreditTransaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO credit_transactions(id,user_id,type,amount,balance_after,reference_type,reference_id,description) VALUES(?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.ReferenceType, t.ReferenceID, t.Description)
	return err
}

func (s *SQLiteDB) CreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, type, amount, balance_after, reference_type, reference_id, description, created_at
		FROM credit_transactions WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceType, &t.ReferenceID, &t.Description, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,prefix,hash,created_at) VALUES(?,?,?,?,?,?)`,
		k.ID, k.UserID, k.Name, k.Prefix, k.Hash, millis(k.CreatedAt))
	return sqliteErr(err)
}

func (s *SQLiteDB) queryAPIKeys(ctx context.Context, q string, arg string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var created int64
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Hash, &created); err != nil {
			return nil, err
		}
		k.CreatedAt = fromMillis(created)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteDB) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.queryAPIKeys(ctx, `SELECT id,user_id,name,prefix,hash,created_at FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *SQLiteDB) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	return s.queryAPIKeys(ctx, `SELECT id,user_id,name,prefix,hash,created_at FROM api_keys WHERE prefix = ?`, prefix)
}

func (s *SQLiteDB) DeleteAPIKey(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "api key", Key: id}
	}
	return nil
}

// lifecycle helpers
func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
