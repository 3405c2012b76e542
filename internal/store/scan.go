package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/rehouzd/skiptrace/internal/model"
)

const lookupColumns = `id, normalized_address, normalized_owner, status, phones, emails,
	mailing_addresses, owner_names, dnc_status, litigator_status, confidence_score,
	total_cost_cents, error_code, error_message, response_time_ms, created_at,
	last_refreshed_at, total_lookup_count, version`

const accessColumns = `id, user_id, lookup_result_id, buyer_id, buyer_name, search_address,
	search_owner, credit_type, credit_charged, was_cached, outcome, accessed_at`

const transactionColumns = `id, user_id, free_delta, paid_delta, type, reference, created_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanLookupResult(row scannable) (*model.SharedLookupResult, error) {
	var r model.SharedLookupResult
	var status string
	var phones, emails, mailing, owners []byte
	err := row.Scan(
		&r.ID, &r.Key.Address, &r.Key.Owner, &status,
		&phones, &emails, &mailing, &owners,
		&r.DNCStatus, &r.LitigatorStatus, &r.ConfidenceScore, &r.TotalCostCents,
		&r.ErrorCode, &r.ErrorMessage, &r.ResponseTimeMs,
		&r.CreatedAt, &r.LastRefreshedAt, &r.TotalLookupCount, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.LookupStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastRefreshedAt = r.LastRefreshedAt.UTC()

	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{
		{phones, &r.Phones},
		{emails, &r.Emails},
		{mailing, &r.MailingAddresses},
		{owners, &r.OwnerNames},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal lookup result %s", r.ID)
		}
	}
	return &r, nil
}

func scanAccess(row scannable) (*model.UserLookupAccess, error) {
	var (
		a                   model.UserLookupAccess
		creditType, outcome string
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.LookupResultID, &a.BuyerID, &a.BuyerName,
		&a.SearchAddress, &a.SearchOwner, &creditType, &a.CreditCharged,
		&a.WasCached, &outcome, &a.AccessedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreditType = model.CreditType(creditType)
	a.Outcome = model.AccessOutcome(outcome)
	a.AccessedAt = a.AccessedAt.UTC()
	return &a, nil
}

func scanTransaction(row scannable) (*model.CreditTransaction, error) {
	var (
		t   model.CreditTransaction
		typ string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.FreeDelta, &t.PaidDelta, &typ, &t.Reference, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// lookupArgs encodes the list columns of r as JSON text.
func lookupArgs(r *model.SharedLookupResult) (phones, emails, mailing, owners string, err error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if phones, err = enc(r.Phones); err != nil {
		return
	}
	if emails, err = enc(r.Emails); err != nil {
		return
	}
	if mailing, err = enc(r.MailingAddresses); err != nil {
		return
	}
	owners, err = enc(r.OwnerNames)
	return
}

// prepareInsert fills generated fields of a result about to be inserted.
func prepareInsert(r *model.SharedLookupResult) {
	now := utcNow()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastRefreshedAt.IsZero() {
		r.LastRefreshedAt = r.CreatedAt
	}
	if r.TotalLookupCount == 0 {
		r.TotalLookupCount = 1
	}
	r.Version = 1
}

// newTransaction builds a ledger row. Unreferenced rows get a reference
// derived from their id so the unique constraint only dedups real ones.
func newTransaction(userID string, freeDelta, paidDelta int, typ model.TransactionType, reference string) *model.CreditTransaction {
	id := uuid.New().String()
	if reference == "" {
		reference = string(typ) + ":" + id
	}
	return &model.CreditTransaction{
		ID:        id,
		UserID:    userID,
		FreeDelta: freeDelta,
		PaidDelta: paidDelta,
		Type:      typ,
		Reference: reference,
		CreatedAt: utcNow(),
	}
}

// chargedAccess returns access annotated with the pool the debit drew from.
func chargedAccess(access model.UserLookupAccess, tx *model.CreditTransaction) model.UserLookupAccess {
	access.CreditCharged = tx != nil
	access.CreditType = model.CreditTypeNone
	if tx != nil {
		access.CreditType = tx.CreditType()
	}
	return access
}

func prepareAccess(a *model.UserLookupAccess, outcome model.AccessOutcome) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AccessedAt.IsZero() {
		a.AccessedAt = utcNow()
	}
	if a.CreditType == "" {
		a.CreditType = model.CreditTypeNone
	}
	a.Outcome = outcome
}
