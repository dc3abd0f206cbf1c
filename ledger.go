package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultCredits is the balance a user starts with.
const DefaultCredits int64 = 1000

const defaultHistoryLimit = 10

var validate = validator.New()

// UsageEvent is one metered API call reported against a user's balance.
type UsageEvent struct {
	UserID   string `json:"-" validate:"required"`
	APIName  string `json:"apiName" validate:"required,max=200"`
	Endpoint string `json:"endpoint" validate:"required,max=500"`
	Credits  int64  `json:"creditsUsed" validate:"gte=0"`
}

// Ledger tracks per-user credit balances and the usage log behind them.
type Ledger struct {
	store   Store
	timeout time.Duration
}

func NewLedger(store Store, timeout time.Duration) *Ledger {
	return &Ledger{store: store, timeout: timeout}
}

// GetBalance returns the user's credits, creating the balance with
// DefaultCredits on first access. Concurrent first reads produce one row.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	credits, err := l.ensureBalance(ctx, userID)
	if err != nil {
		return 0, storeError("getBalance", err)
	}
	return credits, nil
}

func (l *Ledger) ensureBalance(ctx context.Context, userID string) (int64, error) {
	credits, created, err := l.store.GetOrInitCredits(ctx, userID, DefaultCredits)
	if err != nil {
		return 0, err
	}
	if created {
		l.appendTransaction(ctx, &CreditTransaction{
			UserID:        userID,
			Type:          TxInitial,
			Amount:        DefaultCredits,
			BalanceAfter:  DefaultCredits,
			ReferenceType: "system",
			Description:   "Initial credit allocation",
		})
	}
	return credits, nil
}

// appendTransaction writes a display record after the balance has changed.
// A failed write is logged; the balance change stands.
func (l *Ledger) appendTransaction(ctx context.Context, t *CreditTransaction) {
	t.ID = uuid.NewString()
	if err := l.store.AppendCreditTransaction(ctx, t); err != nil {
		slog.Warn("credit transaction not recorded", "user_id", t.UserID, "type", t.Type, "error", err)
	}
}

// SetBalance overwrites an existing balance. It never creates one.
func (l *Ledger) SetBalance(ctx context.Context, userID string, credits int64) (int64, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	prev, err := l.store.SetCredits(ctx, userID, credits)
	if err != nil {
		return 0, storeError("setBalance", err)
	}
	l.appendTransaction(ctx, &CreditTransaction{
		UserID:        userID,
		Type:          TxAdjustment,
		Amount:        credits - prev,
		BalanceAfter:  credits,
		ReferenceType: "system",
		Description:   fmt.Sprintf("Balance set to %d", credits),
	})
	return credits, nil
}

// RecordUsage appends a usage record and then decrements the balance by
// ev.Credits. The writes are separate statements; the balance may go
// negative.
func (l *Ledger) RecordUsage(ctx context.Context, ev UsageEvent) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("invalid usage event: %w", err)
	}
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.ensureBalance(ctx, ev.UserID); err != nil {
		return storeError("recordUsage", err)
	}
	rec := &UsageRecord{
		UserID:      ev.UserID,
		APIName:     ev.APIName,
		Endpoint:    ev.Endpoint,
		UsageCount:  1,
		CreditsUsed: ev.Credits,
	}
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		return storeError("recordUsage", err)
	}
	after, err := l.store.DecrementCredits(ctx, ev.UserID, ev.Credits)
	if err != nil {
		return storeError("recordUsage", err)
	}
	t := &CreditTransaction{
		UserID:        ev.UserID,
		Type:          TxUsage,
		Amount:        -ev.Credits,
		BalanceAfter:  after,
		ReferenceType: "api_call",
		Description:   fmt.Sprintf("API call to %s %s", ev.APIName, ev.Endpoint),
	}
	if rec.ID != "" {
		t.ReferenceID = &rec.ID
	}
	l.appendTransaction(ctx, t)
	return nil
}

// GetUsageHistory groups usage by (apiName, endpoint), most recently used first.
func (l *Ledger) GetUsageHistory(ctx context.Context, userID string, limit int) ([]UsageSummary, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	out, err := l.store.UsageSummary(ctx, userID, limit)
	if err != nil {
		return nil, storeError("getUsageHistory", err)
	}
	if out == nil {
		out = []UsageSummary{}
	}
	return out, nil
}

// GetMonthlyUsageCount counts usage records since the start of the current
// month, as measured by the store's clock.
func (l *Ledger) GetMonthlyUsageCount(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	n, err := l.store.MonthlyUsageCount(ctx, userID)
	if err != nil {
		return 0, storeError("getMonthlyUsageCount", err)
	}
	return n, nil
}

// GetCreditHistory lists balance changes, newest first.
func (l *Ledger) GetCreditHistory(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	out, err := l.store.CreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, storeError("getCreditHistory", err)
	}
	if out == nil {
		out = []CreditTransaction{}
	}
	return out, nil
}
