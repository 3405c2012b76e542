// Package lookup serves contact lookups: it normalizes the request, reuses
// the shared cache, coordinates provider calls and bills the user.
package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/cache"
	"github.com/rehouzd/skiptrace/internal/inflight"
	"github.com/rehouzd/skiptrace/internal/ledger"
	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/normalize"
	"github.com/rehouzd/skiptrace/internal/store"
	"github.com/rehouzd/skiptrace/pkg/contactdata"
)

// State names the stage a lookup reached.
type State string

const (
	StateStart    State = "START"
	StateReplay   State = "REPLAY"
	StateHitFresh State = "HIT_FRESH"
	StateHitStale State = "HIT_STALE"
	StateCooldown State = "COOLDOWN"
	StateMiss     State = "MISS"
	StateInflight State = "ACQUIRE_INFLIGHT"
	StateProvider State = "PROVIDER_CALL"
	StateStore    State = "STORE_RESULT"
	StateCharge   State = "CHARGE"
	StateDone     State = "DONE"
)

// Error codes stored on failed results.
const (
	ErrorCodeTimeout  = "provider_timeout"
	ErrorCodeProvider = "provider_error"
)

// Request is one user's lookup.
type Request struct {
	UserID    string `json:"user_id" validate:"required"`
	BuyerID   string `json:"buyer_id" validate:"required"`
	BuyerName string `json:"buyer_name"`
	Address   string `json:"address" validate:"required,max=512"`
	Owner     string `json:"owner_name,omitempty" validate:"max=256"`
	// CacheOnly disables provider refreshes.
	CacheOnly bool `json:"cache_only,omitempty"`
}

// Response is the outcome of a lookup.
type Response struct {
	Result        *model.SharedLookupResult `json:"result"`
	CreditCharged bool                      `json:"credit_charged"`
	CreditType    model.CreditType          `json:"credit_type"`
	WasCached     bool                      `json:"was_cached"`
	Replayed      bool                      `json:"replayed"`
	Access        *model.UserLookupAccess   `json:"access,omitempty"`
}

// Options tunes follower retries.
type Options struct {
	// FollowerRetries is how many times a caller retries after its wait for
	// a leader timed out.
	FollowerRetries int
	// FollowerBackoff is the initial delay between those retries.
	FollowerBackoff time.Duration
	// StoreTimeout bounds saving a provider result after the call returns,
	// which may be after the task deadline.
	StoreTimeout time.Duration
}

// Orchestrator runs lookups.
type Orchestrator struct {
	cache    *cache.Cache
	access   store.AccessStore
	ledger   *ledger.Ledger
	provider contactdata.Provider
	coord    *inflight.Coordinator
	policy   HitBillingPolicy
	opts     Options
}

// New creates an Orchestrator.
func New(
	c *cache.Cache,
	access store.AccessStore,
	l *ledger.Ledger,
	provider contactdata.Provider,
	coord *inflight.Coordinator,
	opts Options,
) *Orchestrator {
	if opts.FollowerRetries < 0 {
		opts.FollowerRetries = 0
	}
	if opts.FollowerBackoff <= 0 {
		opts.FollowerBackoff = 100 * time.Millisecond
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cache:    c,
		access:   access,
		ledger:   l,
		provider: provider,
		coord:    coord,
		policy:   HitBilling,
		opts:     opts,
	}
}

// Lookup resolves contact data for req. A user is charged at most once per
// buyer; retries of a completed lookup return the original access.
func (o *Orchestrator) Lookup(ctx context.Context, req Request) (*Response, error) {
	if req.UserID == "" || req.BuyerID == "" {
		return nil, model.Validationf("lookup: user id and buyer id are required")
	}
	key, err := normalize.Key(req.Address, req.Owner)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("user_id", req.UserID),
		zap.String("buyer_id", req.BuyerID),
		zap.String("key", key.String()),
	)
	state := func(s State) { log.Debug("lookup: state", zap.String("state", string(s))) }
	state(StateStart)

	prior, err := o.access.GetSuccessfulAccess(ctx, req.UserID, req.BuyerID)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: check prior access")
	}
	if prior != nil && prior.Result != nil {
		state(StateReplay)
		return replay(prior), nil
	}

	cached, err := o.cache.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	now := o.cache.Now()

	var (
		result    *model.SharedLookupResult
		wasCached bool
		freshHit  bool
	)
	switch {
	case cached != nil && o.cache.IsFresh(cached, now):
		state(StateHitFresh)
		result, wasCached, freshHit = cached, true, true

	case cached != nil && o.cache.InCooldown(cached, now):
		state(StateCooldown)
		result, wasCached = cached, true

	case req.CacheOnly:
		return nil, eris.Wrapf(model.ErrNotFound, "lookup: no fresh result for %s", key)

	default:
		if cached != nil {
			state(StateHitStale)
		} else {
			state(StateMiss)
		}
		if prior == nil {
			resp, err := o.precheck(ctx, req)
			if resp != nil || err != nil {
				return resp, err
			}
		}
		state(StateInflight)
		result, wasCached, err = o.fetch(ctx, log, key, req, cached)
		if err != nil {
			return nil, err
		}
	}

	if !result.Succeeded() {
		return o.failed(ctx, log, req, result, wasCached)
	}

	state(StateCharge)
	res, err := o.ledger.Charge(ctx, store.ChargeRequest{
		Access:   newAccess(req, result, wasCached),
		Billable: billable(o.policy, result, wasCached),
	})
	if eris.Is(err, model.ErrInsufficientCredits) {
		// The credit may have gone to a concurrent request for this same
		// user and buyer, in which case its access is ours to replay.
		resp, perr := o.replayIfRecorded(ctx, req)
		if perr != nil || resp != nil {
			return resp, perr
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "lookup: charge")
	}
	if !res.Inserted {
		// A concurrent request for the same user and buyer recorded first.
		state(StateReplay)
		return o.replayAccess(ctx, res.Access, result)
	}
	if freshHit {
		o.touch(ctx, log, result)
	}

	state(StateDone)
	log.Info("lookup: complete",
		zap.Bool("was_cached", wasCached),
		zap.Bool("credit_charged", res.Access.CreditCharged),
		zap.String("credit_type", string(res.Access.CreditType)),
	)
	access := res.Access
	return &Response{
		Result:        result,
		CreditCharged: access.CreditCharged,
		CreditType:    access.CreditType,
		WasCached:     wasCached,
		Access:        &access,
	}, nil
}

// precheck rejects a lookup that could not be paid for before the provider
// is called. A concurrent request that already recorded the access turns the
// rejection into a replay.
func (o *Orchestrator) precheck(ctx context.Context, req Request) (*Response, error) {
	acct, err := o.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: balance")
	}
	if acct.Total() >= 1 {
		return nil, nil
	}
	resp, err := o.replayIfRecorded(ctx, req)
	if resp != nil || err != nil {
		return resp, err
	}
	return nil, eris.Wrapf(model.ErrInsufficientCredits, "lookup: user %s has no credits", req.UserID)
}

// replayIfRecorded returns the user's successful access for req's buyer, or
// nil when there is none.
func (o *Orchestrator) replayIfRecorded(ctx context.Context, req Request) (*Response, error) {
	prior, err := o.access.GetSuccessfulAccess(ctx, req.UserID, req.BuyerID)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: check prior access")
	}
	if prior == nil {
		return nil, nil
	}
	return replay(prior), nil
}

// failed records a failed attempt. no_data results are a normal response;
// provider errors surface in the error taxonomy.
func (o *Orchestrator) failed(ctx context.Context, log *zap.Logger, req Request, r *model.SharedLookupResult, wasCached bool) (*Response, error) {
	access := newAccess(req, r, wasCached)
	if err := o.access.RecordFailedAccess(ctx, access); err != nil {
		return nil, eris.Wrap(err, "lookup: record failed access")
	}
	access.Outcome = model.AccessOutcomeFailed
	access.CreditType = model.CreditTypeNone

	log.Info("lookup: no usable result",
		zap.String("status", string(r.Status)),
		zap.String("error_code", r.ErrorCode),
	)

	switch r.Status {
	case model.LookupStatusNoData:
		return &Response{
			Result:     r,
			CreditType: model.CreditTypeNone,
			WasCached:  wasCached,
			Access:     &access,
		}, nil
	default:
		if r.ErrorCode == ErrorCodeTimeout {
			return nil, eris.Wrapf(model.ErrProviderTimeout, "lookup: %s", r.ErrorMessage)
		}
		return nil, eris.Wrapf(model.ErrProviderError, "lookup: %s", r.ErrorMessage)
	}
}

func (o *Orchestrator) replayAccess(ctx context.Context, access model.UserLookupAccess, fallback *model.SharedLookupResult) (*Response, error) {
	prior, err := o.access.GetSuccessfulAccess(ctx, access.UserID, access.BuyerID)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: read prior access")
	}
	if prior == nil {
		prior = &model.AccessWithResult{UserLookupAccess: access}
	}
	if prior.Result == nil {
		prior.Result = fallback
	}
	return replay(prior), nil
}

func replay(prior *model.AccessWithResult) *Response {
	access := prior.UserLookupAccess
	return &Response{
		Result:     prior.Result,
		CreditType: model.CreditTypeNone,
		WasCached:  true,
		Replayed:   true,
		Access:     &access,
	}
}

func (o *Orchestrator) touch(ctx context.Context, log *zap.Logger, r *model.SharedLookupResult) {
	if err := o.cache.Touch(ctx, r); err != nil {
		log.Warn("lookup: touch cached result", zap.Error(err))
	}
}

func newAccess(req Request, r *model.SharedLookupResult, wasCached bool) model.UserLookupAccess {
	return model.UserLookupAccess{
		UserID:         req.UserID,
		LookupResultID: r.ID,
		BuyerID:        req.BuyerID,
		BuyerName:      req.BuyerName,
		SearchAddress:  req.Address,
		SearchOwner:    req.Owner,
		WasCached:      wasCached,
	}
}

// History lists the user's lookups, newest first, with their results.
func (o *Orchestrator) History(ctx context.Context, userID string, limit, offset int) ([]model.AccessWithResult, error) {
	if userID == "" {
		return nil, model.Validationf("lookup: user id is required")
	}
	out, err := o.access.ListAccess(ctx, userID, store.Page{Limit: limit, Offset: offset})
	if err != nil {
		return nil, eris.Wrap(err, "lookup: history")
	}
	for i := range out {
		if out[i].Outcome == model.AccessOutcomeFailed {
			out[i].Result = withoutContacts(out[i].Result)
		}
	}
	return out, nil
}

// withoutContacts hides contact data from a failed access. Its row may have
// been refreshed successfully for other users since.
func withoutContacts(r *model.SharedLookupResult) *model.SharedLookupResult {
	if r == nil || !r.HasContacts() && len(r.MailingAddresses) == 0 && len(r.OwnerNames) == 0 {
		return r
	}
	cp := *r
	cp.Phones, cp.Emails, cp.MailingAddresses, cp.OwnerNames = nil, nil, nil, nil
	return &cp
}

// ClearCache removes the cached result for an address and owner.
func (o *Orchestrator) ClearCache(ctx context.Context, address, owner string) (int, error) {
	key, err := normalize.Key(address, owner)
	if err != nil {
		return 0, err
	}
	return o.cache.Clear(ctx, key)
}

// ClearAllCache removes every cached result.
func (o *Orchestrator) ClearAllCache(ctx context.Context) (int, error) {
	return o.cache.ClearAll(ctx)
}

func isWaitTimeout(err error) bool {
	return errors.Is(err, inflight.ErrWaitTimeout)
}
