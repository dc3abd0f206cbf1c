package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(20)
	d.SetConnMaxIdleTime(30 * time.Second)
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init(ctx context.Context) error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.PingContext(ctx)
}

func pgErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", errConflict, pqErr.Constraint)
	}
	return err
}

const pgUserColumns = `id,name,email,email_verified,image`

func scanPostgresUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified, &u.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(id,name,email,email_verified,image) VALUES($1,$2,$3,$4,$5)`,
		u.ID, u.Name, u.Email, u.EmailVerified, u.Image)
	return pgErr(err)
}

func (p *PostgresDB) GetUser(ctx context.Context, id string) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT u.id,u.name,u.email,u.email_verified,u.image
		FROM users u JOIN accounts a ON u.id = a.user_id
		WHERE a.provider = $1 AND a.provider_account_id = $2`, provider, providerAccountID))
}

func (p *PostgresDB) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	u, err := scanPostgresUser(p.db.QueryRowContext(ctx, `UPDATE users SET
			name = COALESCE($1, name),
			email = COALESCE($2, email),
			email_verified = COALESCE($3, email_verified),
			image = COALESCE($4, image),
			updated_at = now()
		WHERE id = $5
		RETURNING `+pgUserColumns, patch.Name, patch.Email, patch.EmailVerified, patch.Image, id))
	return u, pgErr(err)
}

func (p *PostgresDB) DeleteUser(ctx context.Context, id string) error {
	// accounts, sessions, credits, usage and api keys cascade in the schema
	_, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) LinkAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO accounts(id,user_id,type,provider,provider_account_id,access_token,refresh_token,id_token,token_type,scope,expires_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.UserID, a.Type, a.Provider, a.ProviderAccountID, a.AccessToken, a.RefreshToken, a.IDToken, a.TokenType, a.Scope, a.ExpiresAt)
	return pgErr(err)
}

func (p *PostgresDB) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE provider = $1 AND provider_account_id = $2`, provider, providerAccountID)
	return err
}

func (p *PostgresDB) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sessions(session_token,user_id,provider,expires) VALUES($1,$2,$3,$4)`,
		s.SessionToken, s.UserID, s.Provider, s.Expires)
	return pgErr(err)
}

func (p *PostgresDB) GetSessionAndUser(ctx context.Context, token string) (*Session, *User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT s.session_token,s.user_id,s.provider,s.expires,u.id,u.name,u.email,u.email_verified,u.image
		FROM sessions s JOIN users u ON s.user_id = u.id
		WHERE s.session_token = $1`, token)
	var s Session
	var u User
	if err := row.Scan(&s.SessionToken, &s.UserID, &s.Provider, &s.Expires, &u.ID, &u.Name, &u.Email, &u.EmailVerified, &u.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return &s, &u, nil
}

func (p *PostgresDB) UpdateSession(ctx context.Context, token string, expires time.Time, userID string) (*Session, error) {
	var row *sql.Row
	if userID == "" {
		row = p.db.QueryRowContext(ctx, `UPDATE sessions SET expires = $1 WHERE session_token = $2
			RETURNING session_token,user_id,provider,expires`, expires, token)
	} else {
		row = p.db.QueryRowContext(ctx, `UPDATE sessions SET user_id = $1, expires = $2 WHERE session_token = $3
			RETURNING session_token,user_id,provider,expires`, userID, expires, token)
	}
	var s Session
	if err := row.Scan(&s.SessionToken, &s.UserID, &s.Provider, &s.Expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresDB) DeleteSession(ctx context.Context, token string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = $1`, token)
	return err
}

func (p *PostgresDB) CreateVerificationToken(ctx context.Context, vt *VerificationToken) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO verification_tokens(identifier,token,expires) VALUES($1,$2,$3)`, vt.Identifier, vt.Token, vt.Expires)
	return pgErr(err)
}

func (p *PostgresDB) UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error) {
	row := p.db.QueryRowContext(ctx, `DELETE FROM verification_tokens WHERE identifier = $1 AND token = $2
		RETURNING identifier, token, expires`, identifier, token)
	var vt VerificationToken
	if err := row.Scan(&vt.Identifier, &vt.Token, &vt.Expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &vt, nil
}

func (p *PostgresDB) GetOrInitCredits(ctx context.Context, userID string, initial int64) (int64, bool, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx, `SELECT credits FROM user_credits WHERE user_id = $1`, userID).Scan(&credits)
	if err == nil {
		return credits, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	// concurrent first reads race here; the unique user_id makes the loser a no-op
	res, err := p.db.ExecContext(ctx, `INSERT INTO user_credits(user_id,credits) VALUES($1,$2) ON CONFLICT (user_id) DO NOTHING`, userID, initial)
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	if err := p.db.QueryRowContext(ctx, `SELECT credits FROM user_credits WHERE user_id = $1`, userID).Scan(&credits); err != nil {
		return 0, false, err
	}
	return credits, n == 1, nil
}

func (p *PostgresDB) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	var prev int64
	err := p.db.QueryRowContext(ctx, `WITH prev AS (
			SELECT credits FROM user_credits WHERE user_id = $2 FOR UPDATE
		)
		UPDATE user_credits u SET credits = $1, updated_at = now()
		FROM prev
		WHERE u.user_id = $2
		RETURNING prev.credits`, credits, userID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	return prev, err
}

func (p *PostgresDB) InsertUsage(ctx context.Context, r *UsageRecord) error {
	count := r.UsageCount
	if count == 0 {
		count = 1
	}
	return p.db.QueryRowContext(ctx, `INSERT INTO api_usage(user_id,api_name,endpoint,usage_count,credits_used) VALUES($1,$2,$3,$4,$5) RETURNING id`,
		r.UserID, r.APIName, r.Endpoint, count, r.CreditsUsed).Scan(&r.ID)
}

func (p *PostgresDB) DecrementCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx, `UPDATE user_credits SET credits = credits - $1, updated_at = now() WHERE user_id = $2 RETURNING credits`, amount, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Entity: "credit balance", Key: userID}
	}
	return credits, err
}

func (p *PostgresDB) UsageSummary(ctx context.Context, userID string, limit int) ([]UsageSummary, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT api_name, endpoint, SUM(usage_count), SUM(credits_used), MAX(timestamp) AS last_used
		FROM api_usage
		WHERE user_id = $1
		GROUP BY api_name, endpoint
		ORDER BY last_used DESC, MAX(id) DESC
		LIMIT $2`, userID, limit)
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

func (p *PostgresDB) MonthlyUsageCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_usage WHERE user_id = $1 AND timestamp >= date_trunc('month', now())`, userID).Scan(&n)
	return n, err
}

func (p *PostgresDB) AppendCreditTransaction(ctx context.Context, t *CreditTransaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO credit_transactions(id,user_id,type,amount,balance_after,reference_type,reference_id,description)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.ReferenceType, t.ReferenceID, t.Description)
	return err
}

func (p *PostgresDB) CreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, type, amount, balance_after, reference_type, reference_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
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

func (p *PostgresDB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,prefix,hash,created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		k.ID, k.UserID, k.Name, k.Prefix, k.Hash, k.CreatedAt)
	return pgErr(err)
}

func (p *PostgresDB) queryAPIKeys(ctx context.Context, q string, arg string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
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

func (p *PostgresDB) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return p.queryAPIKeys(ctx, `SELECT id,user_id,name,prefix,hash,created_at FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (p *PostgresDB) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	return p.queryAPIKeys(ctx, `SELECT id,user_id,name,prefix,hash,created_at FROM api_keys WHERE prefix = $1`, prefix)
}

func (p *PostgresDB) DeleteAPIKey(ctx context.Context, userID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "api key", Key: id}
	}
	return nil
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
