// Package ledger manages user credit balances. Every balance change is an
// append-only transaction; accounts are the running sum of their
// transactions, free pool consumed before paid.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/resilience"
	"github.com/rehouzd/skiptrace/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.LedgerStore
	ChargeAndRecordAccess(ctx context.Context, req store.ChargeRequest) (*store.ChargeResult, error)
}

// Ledger applies debits and credits with bounded retry on write conflicts.
type Ledger struct {
	store Store
	retry resilience.RetryConfig
}

// New creates a Ledger. conflictRetries is the total number of attempts
// made when the store reports a write conflict.
func New(s Store, conflictRetries int) *Ledger {
	if conflictRetries <= 0 {
		conflictRetries = 5
	}
	return &Ledger{
		store: s,
		retry: resilience.RetryConfig{
			MaxAttempts:    conflictRetries,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			Multiplier:     2,
			Jitter:         0.5,
			Retryable:      isConflict,
			OnRetry:        resilience.LogRetries("ledger", "write"),
		},
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// withRetry runs fn, retrying store conflicts. Exhausted retries surface as
// model.ErrLedgerConflict.
func withRetry[T any](ctx context.Context, l *Ledger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.DoVal(ctx, l.retry, fn)
	if err != nil && isConflict(err) {
		var zero T
		return zero, eris.Wrapf(model.ErrLedgerConflict, "ledger: %s: %v", op, err)
	}
	return v, err
}

// Debit consumes amount credits from userID. It fails with
// model.ErrInsufficientCredits when the combined balance is short.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	if userID == "" {
		return nil, model.Validationf("ledger: user id is required")
	}
	if amount <= 0 {
		return nil, model.Validationf("ledger: debit amount must be positive, got %d", amount)
	}
	tx, err := withRetry(ctx, l, "debit", func(ctx context.Context) (*model.CreditTransaction, error) {
		return l.store.Debit(ctx, userID, amount, reference)
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ledger: debit",
		zap.String("user_id", userID),
		zap.Int("free", tx.FreeDelta),
		zap.Int("paid", tx.PaidDelta),
	)
	return tx, nil
}

// Credit adds amount credits of typ. Earned credits go to the free pool and
// purchased credits to the paid pool. A reference that was already applied
// returns the original transaction with applied=false.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error) {
	if userID == "" {
		return nil, false, model.Validationf("ledger: user id is required")
	}
	if amount <= 0 {
		return nil, false, model.Validationf("ledger: credit amount must be positive, got %d", amount)
	}
	if reference == "" {
		return nil, false, model.Validationf("ledger: credit reference is required")
	}

	var free, paid int
	switch typ {
	case model.TransactionEarned:
		free = amount
	case model.TransactionPurchased:
		paid = amount
	default:
		return nil, false, model.Validationf("ledger: cannot credit transaction type %q", typ)
	}

	type result struct {
		tx      *model.CreditTransaction
		applied bool
	}
	res, err := withRetry(ctx, l, "credit", func(ctx context.Context) (result, error) {
		tx, applied, err := l.store.Credit(ctx, userID, free, paid, typ, reference)
		return result{tx, applied}, err
	})
	if err != nil {
		return nil, false, err
	}
	if res.applied {
		zap.L().Info("ledger: credit applied",
			zap.String("user_id", userID),
			zap.String("type", string(typ)),
			zap.Int("amount", amount),
			zap.String("reference", reference),
		)
	} else {
		zap.L().Info("ledger: credit replay ignored", zap.String("reference", reference))
	}
	return res.tx, res.applied, nil
}

// Charge records a successful lookup access and debits one credit for it
// when billable, atomically.
func (l *Ledger) Charge(ctx context.Context, req store.ChargeRequest) (*store.ChargeResult, error) {
	return withRetry(ctx, l, "charge", func(ctx context.Context) (*store.ChargeResult, error) {
		return l.store.ChargeAndRecordAccess(ctx, req)
	})
}

// Balance returns the user's account. Unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.CreditAccount, error) {
	if userID == "" {
		return nil, model.Validationf("ledger: user id is required")
	}
	return l.store.GetCreditAccount(ctx, userID)
}

// History lists the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	if userID == "" {
		return nil, model.Validationf("ledger: user id is required")
	}
	return l.store.ListTransactions(ctx, userID, store.Page{Limit: limit, Offset: offset})
}

// DriftError describes an account whose balances disagree with its
// transaction log.
type DriftError struct {
	UserID              string
	FreeBalance, FreeTx int
	PaidBalance, PaidTx int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger: account %s drifted: free %d vs %d from transactions, paid %d vs %d from transactions",
		e.UserID, e.FreeBalance, e.FreeTx, e.PaidBalance, e.PaidTx)
}

// Verify recomputes the user's balances from the transaction log and
// returns a *DriftError when they disagree or either pool is negative.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	acct, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	free, paid, err := l.store.SumTransactions(ctx, userID)
	if err != nil {
		return eris.Wrap(err, "ledger: sum transactions")
	}
	if acct.FreeRemaining != free || acct.PaidRemaining != paid || acct.FreeRemaining < 0 || acct.PaidRemaining < 0 {
		return &DriftError{
			UserID:      userID,
			FreeBalance: acct.FreeRemaining,
			FreeTx:      free,
			PaidBalance: acct.PaidRemaining,
			PaidTx:      paid,
		}
	}
	return nil
}
