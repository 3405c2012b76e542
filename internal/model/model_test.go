package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewVerificationRecord(t *testing.T) {
	tests := []struct {
		name              string
		verified, invalid int
		net               int
		status            RecordStatus
	}{
		{"no votes", 0, 0, 0, RecordUnverified},
		{"tie", 2, 2, 0, RecordUnverified},
		{"net positive", 3, 1, 2, RecordVerified},
		{"net negative", 0, 2, -2, RecordInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewVerificationRecord("5125550100", "Acme", tt.verified, tt.invalid)
			assert.Equal(t, tt.net, r.NetScore)
			assert.Equal(t, tt.status, r.Status)
		})
	}
}

func TestCreditTransactionCreditType(t *testing.T) {
	assert.Equal(t, CreditTypeFree, (&CreditTransaction{FreeDelta: -1}).CreditType())
	assert.Equal(t, CreditTypePaid, (&CreditTransaction{PaidDelta: -1}).CreditType())
	assert.Equal(t, CreditTypePaid, (&CreditTransaction{FreeDelta: -1, PaidDelta: -1}).CreditType())
	assert.Equal(t, CreditTypeNone, (&CreditTransaction{FreeDelta: 5}).CreditType())
	assert.Equal(t, -2, (&CreditTransaction{FreeDelta: -1, PaidDelta: -1}).Delta())
}

func TestCreditAccountTotal(t *testing.T) {
	var nilAcct *CreditAccount
	assert.Equal(t, 0, nilAcct.Total())
	assert.Equal(t, 7, (&CreditAccount{FreeRemaining: 3, PaidRemaining: 4}).Total())
}

func TestContactLookupKey(t *testing.T) {
	a := ContactLookupKey{Address: "1 main st austin tx"}
	b := ContactLookupKey{Address: "1 main st austin tx", Owner: "jane doe"}

	assert.Equal(t, "1 main st austin tx", a.String())
	assert.Equal(t, "1 main st austin tx | jane doe", b.String())
	assert.Len(t, a.Hash(), 32)
	assert.Equal(t, a.Hash(), ContactLookupKey{Address: "1 main st austin tx"}.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
	// The separator keeps address/owner boundaries distinct.
	assert.NotEqual(t,
		ContactLookupKey{Address: "a b", Owner: "c"}.Hash(),
		ContactLookupKey{Address: "a", Owner: "b c"}.Hash())
}

func TestSharedLookupResultPredicates(t *testing.T) {
	var nilResult *SharedLookupResult
	assert.False(t, nilResult.Succeeded())
	assert.False(t, nilResult.HasContacts())

	r := &SharedLookupResult{Status: LookupStatusSuccess}
	assert.True(t, r.Succeeded())
	assert.False(t, r.HasContacts())
	r.Emails = []string{"a@b.co"}
	assert.True(t, r.HasContacts())
	assert.False(t, (&SharedLookupResult{Status: LookupStatusNoData}).Succeeded())
}

func TestValidationf(t *testing.T) {
	err := Validationf("field %s is blank", "address")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "address")
	assert.True(t, VoteVerified.Valid())
	assert.False(t, VoteStatus("maybe").Valid())
}
