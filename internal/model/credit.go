package model

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionEarned    TransactionType = "earned"    // free-pool grant
	TransactionPurchased TransactionType = "purchased" // paid-pool purchase
	TransactionUsed      TransactionType = "used"      // lookup charge
)

// CreditAccount holds a user's remaining free and paid credits.
type CreditAccount struct {
	UserID        string    `json:"user_id"`
	FreeRemaining int       `json:"free_remaining"`
	PaidRemaining int       `json:"paid_remaining"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Total returns the combined balance.
func (a *CreditAccount) Total() int {
	if a == nil {
		return 0
	}
	return a.FreeRemaining + a.PaidRemaining
}

// CreditTransaction is an append-only ledger entry. FreeDelta and PaidDelta
// are signed; summing them over a user's history reproduces the account.
type CreditTransaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	FreeDelta int             `json:"free_delta"`
	PaidDelta int             `json:"paid_delta"`
	Type      TransactionType `json:"type"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// Delta returns the combined signed change.
func (t *CreditTransaction) Delta() int {
	return t.FreeDelta + t.PaidDelta
}

// CreditType reports which pool a debit drew from. Debits spanning both
// pools report paid, since the free pool was exhausted.
func (t *CreditTransaction) CreditType() CreditType {
	switch {
	case t.PaidDelta < 0:
		return CreditTypePaid
	case t.FreeDelta < 0:
		return CreditTypeFree
	default:
		return CreditTypeNone
	}
}

// Subscription is a user's plan membership, consulted by the credit grant
// schedule.
type Subscription struct {
	UserID   string    `json:"user_id"`
	Plan     string    `json:"plan"`
	Active   bool      `json:"active"`
	RenewsAt time.Time `json:"renews_at"`
}
