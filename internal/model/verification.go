package model

import "time"

// VoteStatus is a user's judgement of a contact value.
type VoteStatus string

const (
	VoteVerified VoteStatus = "verified"
	VoteInvalid  VoteStatus = "invalid"
)

// Valid reports whether s is a known vote status.
func (s VoteStatus) Valid() bool {
	return s == VoteVerified || s == VoteInvalid
}

// RecordStatus is the crowd verdict derived from net score.
type RecordStatus string

const (
	RecordVerified   RecordStatus = "verified"
	RecordInvalid    RecordStatus = "invalid"
	RecordUnverified RecordStatus = "unverified"
)

// VerificationVote is the single current vote of one user on one contact
// value for one buyer.
type VerificationVote struct {
	UserID       string     `json:"user_id"`
	ContactValue string     `json:"contact_value"`
	BuyerName    string     `json:"buyer_name"`
	Status       VoteStatus `json:"status"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// VerificationRecord aggregates the live votes for a contact value.
type VerificationRecord struct {
	ContactValue  string       `json:"contact_value"`
	BuyerName     string       `json:"buyer_name"`
	VerifiedCount int          `json:"verified_count"`
	InvalidCount  int          `json:"invalid_count"`
	NetScore      int          `json:"net_score"`
	Status        RecordStatus `json:"status"`
}

// NewVerificationRecord derives net score and status from vote counts.
func NewVerificationRecord(contactValue, buyerName string, verified, invalid int) VerificationRecord {
	net := verified - invalid
	status := RecordUnverified
	switch {
	case net > 0:
		status = RecordVerified
	case net < 0:
		status = RecordInvalid
	}
	return VerificationRecord{
		ContactValue:  contactValue,
		BuyerName:     buyerName,
		VerifiedCount: verified,
		InvalidCount:  invalid,
		NetScore:      net,
		Status:        status,
	}
}
