// Package verify aggregates crowd votes on contact values. Counts are always
// recomputed from the stored vote set, one vote per user, value and buyer.
package verify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/normalize"
	"github.com/rehouzd/skiptrace/internal/store"
)

// MaxStatsValues caps a single stats request.
const MaxStatsValues = 200

// Aggregator records votes and reports verification records.
type Aggregator struct {
	store store.VoteStore
}

// New creates an Aggregator.
func New(s store.VoteStore) *Aggregator {
	return &Aggregator{store: s}
}

// Vote sets userID's current vote on contactValue for buyerName and returns
// the recomputed record. Changing a vote replaces the old one.
func (a *Aggregator) Vote(ctx context.Context, userID, contactValue, buyerName string, status model.VoteStatus) (*model.VerificationRecord, error) {
	vote, err := newVote(userID, contactValue, buyerName, status)
	if err != nil {
		return nil, err
	}
	rec, err := a.store.UpsertVote(ctx, vote)
	if err != nil {
		return nil, eris.Wrap(err, "verify: vote")
	}
	zap.L().Debug("verify: vote recorded",
		zap.String("user_id", userID),
		zap.String("buyer", vote.BuyerName),
		zap.String("status", string(status)),
		zap.Int("net_score", rec.NetScore),
	)
	return rec, nil
}

// Retract removes userID's vote and returns the recomputed record.
func (a *Aggregator) Retract(ctx context.Context, userID, contactValue, buyerName string) (*model.VerificationRecord, error) {
	vote, err := newVote(userID, contactValue, buyerName, model.VoteVerified)
	if err != nil {
		return nil, err
	}
	rec, err := a.store.DeleteVote(ctx, vote.UserID, vote.ContactValue, vote.BuyerName)
	if err != nil {
		return nil, eris.Wrap(err, "verify: retract")
	}
	return rec, nil
}

// Stats returns one record per input value, aligned with values. Values are
// matched in normalized form and reported as the caller sent them, so two
// spellings of one number get the same counts. Blank values come back
// unverified.
func (a *Aggregator) Stats(ctx context.Context, buyerName string, values []string) ([]model.VerificationRecord, error) {
	buyerName = strings.TrimSpace(buyerName)
	if buyerName == "" {
		return nil, model.Validationf("verify: buyer name is required")
	}
	if len(values) > MaxStatsValues {
		return nil, model.Validationf("verify: at most %d values per request, got %d", MaxStatsValues, len(values))
	}

	keys := make([]string, len(values))
	var distinct []string
	seen := make(map[string]bool, len(values))
	for i, v := range values {
		n := normalize.ContactValue(v)
		keys[i] = n
		if n != "" && !seen[n] {
			seen[n] = true
			distinct = append(distinct, n)
		}
	}

	byValue := make(map[string]model.VerificationRecord, len(distinct))
	if len(distinct) > 0 {
		recs, err := a.store.AggregateVotes(ctx, buyerName, distinct)
		if err != nil {
			return nil, eris.Wrap(err, "verify: stats")
		}
		for _, r := range recs {
			byValue[r.ContactValue] = r
		}
	}

	out := make([]model.VerificationRecord, len(values))
	for i, v := range values {
		rec, ok := byValue[keys[i]]
		if !ok {
			rec = model.NewVerificationRecord(keys[i], buyerName, 0, 0)
		}
		rec.ContactValue = strings.TrimSpace(v)
		out[i] = rec
	}
	return out, nil
}

func newVote(userID, contactValue, buyerName string, status model.VoteStatus) (model.VerificationVote, error) {
	if userID == "" {
		return model.VerificationVote{}, model.Validationf("verify: user id is required")
	}
	value := normalize.ContactValue(contactValue)
	if value == "" {
		return model.VerificationVote{}, model.Validationf("verify: contact value is required")
	}
	buyerName = strings.TrimSpace(buyerName)
	if buyerName == "" {
		return model.VerificationVote{}, model.Validationf("verify: buyer name is required")
	}
	if !status.Valid() {
		return model.VerificationVote{}, model.Validationf("verify: unknown status %q", status)
	}
	return model.VerificationVote{
		UserID:       userID,
		ContactValue: value,
		BuyerName:    buyerName,
		Status:       status,
	}, nil
}
