package lookup

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/inflight"
	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/pkg/contactdata"
)

type fetched struct {
	result    *model.SharedLookupResult
	wasCached bool
}

// fetch obtains a result for key through the in-flight coordinator. Callers
// whose wait for a leader times out retry with jittered backoff, checking
// the cache first since the slow leader may have finished.
func (o *Orchestrator) fetch(ctx context.Context, log *zap.Logger, key model.ContactLookupKey, req Request, cached *model.SharedLookupResult) (*model.SharedLookupResult, bool, error) {
	attempt := 0
	op := func() (fetched, error) {
		attempt++
		if attempt > 1 {
			r, err := o.cache.Lookup(ctx, key)
			if err != nil {
				return fetched{}, backoff.Permanent(err)
			}
			if r != nil && o.cache.IsFresh(r, o.cache.Now()) {
				o.touch(ctx, log, r)
				return fetched{result: r, wasCached: true}, nil
			}
		}

		var called atomic.Bool
		r, role, err := o.coord.Do(ctx, key, inflight.Task{
			Call: func(ctx context.Context) (*model.SharedLookupResult, error) {
				return o.refresh(ctx, log, key, req, &called)
			},
			Settled: func(ctx context.Context) (*model.SharedLookupResult, error) {
				return o.settled(ctx, key, cached)
			},
		})
		if err != nil {
			if isWaitTimeout(err) {
				log.Info("lookup: in-flight wait timed out", zap.Int("attempt", attempt), zap.Stringer("role", role))
				return fetched{}, err
			}
			return fetched{}, backoff.Permanent(err)
		}
		if r == nil {
			return fetched{}, backoff.Permanent(eris.New("lookup: coordinator returned no result"))
		}

		wasCached := !called.Load()
		if wasCached && r.Succeeded() {
			o.touch(ctx, log, r)
		}
		log.Debug("lookup: fetched", zap.Stringer("role", role), zap.Bool("provider_called", !wasCached))
		return fetched{result: r, wasCached: wasCached}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.FollowerBackoff
	b.MaxInterval = 20 * o.opts.FollowerBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.FollowerRetries)), ctx)

	f, err := backoff.RetryWithData(op, policy)
	if err != nil {
		if isWaitTimeout(err) {
			return nil, false, eris.Wrapf(model.ErrProviderTimeout, "lookup: waited for in-flight lookup of %s", key)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, eris.Wrapf(model.ErrProviderTimeout, "lookup: %v", err)
		}
		return nil, false, eris.Wrap(err, "lookup: fetch")
	}
	return f.result, f.wasCached, nil
}

// refresh is the leader's task: re-check the cache, call the provider and
// store whatever it returned.
func (o *Orchestrator) refresh(ctx context.Context, log *zap.Logger, key model.ContactLookupKey, req Request, called *atomic.Bool) (*model.SharedLookupResult, error) {
	current, err := o.cache.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if current != nil && o.cache.IsFresh(current, o.cache.Now()) {
		return current, nil
	}

	called.Store(true)
	log.Debug("lookup: state", zap.String("state", string(StateProvider)))
	resp, perr := o.provider.Lookup(ctx, req.Address, req.Owner)
	result := toResult(key, resp, perr)
	if perr != nil {
		log.Warn("lookup: provider call failed", zap.Error(perr))
	}

	log.Debug("lookup: state", zap.String("state", string(StateStore)))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StoreTimeout)
	defer cancel()
	return o.cache.Store(sctx, result, current)
}

// settled reports a result stored by another process while it held the
// cluster lock: any fresh row, or a row changed since the caller read it.
func (o *Orchestrator) settled(ctx context.Context, key model.ContactLookupKey, seen *model.SharedLookupResult) (*model.SharedLookupResult, error) {
	r, err := o.cache.Lookup(ctx, key)
	if err != nil || r == nil {
		return nil, err
	}
	if o.cache.IsFresh(r, o.cache.Now()) || seen == nil || r.Version != seen.Version {
		return r, nil
	}
	return nil, nil
}

// toResult converts a provider outcome into the row stored in the cache.
func toResult(key model.ContactLookupKey, resp *contactdata.Response, err error) *model.SharedLookupResult {
	r := &model.SharedLookupResult{Key: key}
	if err != nil {
		r.Status = model.LookupStatusError
		r.ErrorCode = ErrorCodeProvider
		if errors.Is(err, model.ErrProviderTimeout) {
			r.ErrorCode = ErrorCodeTimeout
		}
		r.ErrorMessage = err.Error()
		return r
	}

	r.Phones = resp.Phones
	r.Emails = resp.Emails
	r.MailingAddresses = resp.MailingAddresses
	r.OwnerNames = resp.OwnerNames
	r.DNCStatus = resp.DNCStatus
	r.LitigatorStatus = resp.LitigatorStatus
	r.ConfidenceScore = resp.Confidence
	r.TotalCostCents = resp.CostCents
	r.ResponseTimeMs = resp.ResponseTimeMs

	switch resp.Status {
	case contactdata.StatusNoData:
		r.Status = model.LookupStatusNoData
		r.ErrorCode = "no_data"
		r.ErrorMessage = "provider has no contact data for this address"
	default:
		r.Status = model.LookupStatusSuccess
	}
	return r
}
