// Package store persists shared lookup results, user access, the credit
// ledger, subscriptions and verification votes.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rehouzd/skiptrace/internal/model"
)

var (
	// ErrUniqueViolation is returned when an insert loses a uniqueness race.
	ErrUniqueViolation = eris.New("store: unique violation")
	// ErrConflict is returned when a write lost an optimistic or
	// serialization check and may be retried.
	ErrConflict = eris.New("store: write conflict")
)

// Page bounds a listing.
type Page struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// normalized applies the default and maximum page size.
func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ChargeRequest describes the access row to record for a successful lookup
// and whether the user should be debited one credit for it.
type ChargeRequest struct {
	Access    model.UserLookupAccess
	Billable  bool
	Reference string
}

// ChargeResult is the outcome of ChargeAndRecordAccess.
type ChargeResult struct {
	Access      model.UserLookupAccess
	Inserted    bool                     // false when a prior successful access won
	Transaction *model.CreditTransaction // nil when nothing was debited
}

// LookupStore persists shared lookup results.
type LookupStore interface {
	// GetLookupResult returns the row for key, or nil when absent.
	GetLookupResult(ctx context.Context, key model.ContactLookupKey) (*model.SharedLookupResult, error)
	// InsertLookupResult inserts r. Returns ErrUniqueViolation when a row
	// for r.Key already exists.
	InsertLookupResult(ctx context.Context, r *model.SharedLookupResult) error
	// ReplaceLookupResult overwrites the row for r.Key if its version still
	// equals expectedVersion. Returns false when another writer got there
	// first.
	ReplaceLookupResult(ctx context.Context, r *model.SharedLookupResult, expectedVersion int) (bool, error)
	// IncrementLookupCount bumps total_lookup_count and returns the new value.
	IncrementLookupCount(ctx context.Context, id string) (int, error)
	DeleteLookupResult(ctx context.Context, key model.ContactLookupKey) (int, error)
	DeleteAllLookupResults(ctx context.Context) (int, error)
}

// AccessStore persists per-user access to shared results.
type AccessStore interface {
	// GetSuccessfulAccess returns the successful access for a user and
	// buyer joined with its result, or nil.
	GetSuccessfulAccess(ctx context.Context, userID, buyerID string) (*model.AccessWithResult, error)
	// ChargeAndRecordAccess inserts the successful access row and, when
	// billable, debits one credit in the same transaction. When a successful
	// access already exists nothing is charged and the existing row is
	// returned with Inserted=false.
	ChargeAndRecordAccess(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// RecordFailedAccess upserts the user's failed attempt for a buyer.
	RecordFailedAccess(ctx context.Context, access model.UserLookupAccess) error
	ListAccess(ctx context.Context, userID string, page Page) ([]model.AccessWithResult, error)
}

// LedgerStore persists credit balances and the transaction log.
type LedgerStore interface {
	// GetCreditAccount returns the user's balances; users without an
	// account have a zero balance.
	GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	// Debit consumes amount credits, free pool first. Returns
	// model.ErrInsufficientCredits when the combined balance is short.
	Debit(ctx context.Context, userID string, amount int, reference string) (*model.CreditTransaction, error)
	// Credit applies a grant or purchase once per reference. The bool
	// reports whether this call applied it.
	Credit(ctx context.Context, userID string, freeDelta, paidDelta int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error)
	// SumTransactions totals the signed deltas for a user.
	SumTransactions(ctx context.Context, userID string) (free, paid int, err error)
	ListTransactions(ctx context.Context, userID string, page Page) ([]model.CreditTransaction, error)
}

// SubscriptionStore persists plan memberships for credit grants.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub model.Subscription) error
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// VoteStore persists verification votes and aggregates them.
type VoteStore interface {
	// UpsertVote stores the user's single current vote and returns the
	// record recomputed from all live votes, in one transaction.
	UpsertVote(ctx context.Context, vote model.VerificationVote) (*model.VerificationRecord, error)
	// DeleteVote removes the user's vote and returns the recomputed record.
	DeleteVote(ctx context.Context, userID, contactValue, buyerName string) (*model.VerificationRecord, error)
	// AggregateVotes returns one record per requested value using a single
	// query. Values without votes are returned unverified.
	AggregateVotes(ctx context.Context, buyerName string, values []string) ([]model.VerificationRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	LookupStore
	AccessStore
	LedgerStore
	SubscriptionStore
	VoteStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// debitSplit computes how amount is drawn from the free pool first, then
// the paid pool. ok is false when the balance is insufficient.
func debitSplit(free, paid, amount int) (freeUsed, paidUsed int, ok bool) {
	if amount <= 0 || free+paid < amount {
		return 0, 0, false
	}
	freeUsed = min(free, amount)
	return freeUsed, amount - freeUsed, true
}

// orderRecords returns one record per requested value, in request order,
// filling values without votes as unverified.
func orderRecords(buyerName string, values []string, counts map[string][2]int) []model.VerificationRecord {
	out := make([]model.VerificationRecord, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		c := counts[v]
		out = append(out, model.NewVerificationRecord(v, buyerName, c[0], c[1]))
	}
	return out
}

func utcNow() time.Time {
	return time.Now().UTC()
}
