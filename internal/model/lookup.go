package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// LookupStatus is the provider outcome recorded on a shared lookup result.
type LookupStatus string

const (
	LookupStatusSuccess LookupStatus = "success"
	LookupStatusFailed  LookupStatus = "failed"
	LookupStatusNoData  LookupStatus = "no_data"
	LookupStatusError   LookupStatus = "error"
)

// ContactLookupKey identifies a shared lookup result. Both fields hold
// normalized text; an absent owner is the empty string.
type ContactLookupKey struct {
	Address string `json:"normalized_address"`
	Owner   string `json:"normalized_owner"`
}

// String renders the key for logs.
func (k ContactLookupKey) String() string {
	if k.Owner == "" {
		return k.Address
	}
	return k.Address + " | " + k.Owner
}

// Hash returns a stable hex digest of the key, used for lock names.
func (k ContactLookupKey) Hash() string {
	sum := sha256.Sum256([]byte(k.Address + "\x00" + k.Owner))
	return hex.EncodeToString(sum[:16])
}

// SharedLookupResult is the single cached provider response for a key.
type SharedLookupResult struct {
	ID               string           `json:"id"`
	Key              ContactLookupKey `json:"key"`
	Status           LookupStatus     `json:"status"`
	Phones           []string         `json:"phones"`
	Emails           []string         `json:"emails"`
	MailingAddresses []string         `json:"mailing_addresses"`
	OwnerNames       []string         `json:"owner_names"`
	DNCStatus        string           `json:"dnc_status,omitempty"`
	LitigatorStatus  string           `json:"litigator_status,omitempty"`
	ConfidenceScore  float64          `json:"confidence_score"`
	TotalCostCents   int64            `json:"total_cost_cents"`
	ErrorCode        string           `json:"error_code,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ResponseTimeMs   int64            `json:"response_time_ms"`
	CreatedAt        time.Time        `json:"created_at"`
	LastRefreshedAt  time.Time        `json:"last_refreshed_at"`
	TotalLookupCount int              `json:"total_lookup_count"`
	Version          int              `json:"-"`
}

// HasContacts reports whether the result carries at least one phone or email.
func (r *SharedLookupResult) HasContacts() bool {
	return r != nil && (len(r.Phones) > 0 || len(r.Emails) > 0)
}

// Succeeded reports whether the provider returned usable data.
func (r *SharedLookupResult) Succeeded() bool {
	return r != nil && r.Status == LookupStatusSuccess
}

// CreditType names the pool a lookup was paid from.
type CreditType string

const (
	CreditTypeFree CreditType = "free"
	CreditTypePaid CreditType = "paid"
	CreditTypeNone CreditType = "none"
)

// AccessOutcome separates successful accesses (at most one per user and
// buyer) from failed attempts.
type AccessOutcome string

const (
	AccessOutcomeSuccess AccessOutcome = "success"
	AccessOutcomeFailed  AccessOutcome = "failed"
)

// UserLookupAccess records a user's use of a shared lookup result for a buyer.
type UserLookupAccess struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	LookupResultID string        `json:"lookup_result_id"`
	BuyerID        string        `json:"buyer_id"`
	BuyerName      string        `json:"buyer_name"`
	SearchAddress  string        `json:"search_address"`
	SearchOwner    string        `json:"search_owner,omitempty"`
	CreditType     CreditType    `json:"credit_type"`
	CreditCharged  bool          `json:"credit_charged"`
	WasCached      bool          `json:"was_cached"`
	Outcome        AccessOutcome `json:"outcome"`
	AccessedAt     time.Time     `json:"accessed_at"`
}

// AccessWithResult is an access row denormalized with its lookup result.
// Result is nil when the shared row has been cleared.
type AccessWithResult struct {
	UserLookupAccess
	Result *SharedLookupResult `json:"result,omitempty"`
}
