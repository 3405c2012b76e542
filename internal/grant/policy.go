// Package grant tops up free credits for subscribed users once per monthly
// cycle. Grants run on a schedule and never from the lookup path.
package grant

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rehouzd/skiptrace/internal/model"
)

// Subscriptions lists the users eligible for a grant.
type Subscriptions interface {
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// Crediter applies idempotent credits.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error)
}

// CycleResult summarizes one grant cycle.
type CycleResult struct {
	Cycle    string `json:"cycle"`
	Eligible int    `json:"eligible"`
	Granted  int    `json:"granted"`
	Skipped  int    `json:"skipped"` // already granted this cycle
	Unknown  int    `json:"unknown"` // plan missing from the plans file
	Credits  int    `json:"credits"`
}

// Policy grants plan credits to active subscriptions.
type Policy struct {
	subs        Subscriptions
	ledger      Crediter
	plans       Plans
	concurrency int
}

// NewPolicy creates a Policy. concurrency bounds parallel ledger writes.
func NewPolicy(subs Subscriptions, l Crediter, plans Plans, concurrency int) *Policy {
	if concurrency < 1 {
		concurrency = 1
	}
	if plans == nil {
		plans = DefaultPlans
	}
	return &Policy{subs: subs, ledger: l, plans: plans, concurrency: concurrency}
}

// CycleKey names the monthly cycle containing t.
func CycleKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Reference is the ledger reference for a user's grant in a cycle.
func Reference(userID, cycle string) string {
	return fmt.Sprintf("grant:%s:%s", userID, cycle)
}

// RunCycle grants each active subscription its plan's credits for the cycle
// containing at. Running a cycle again grants nothing new.
func (p *Policy) RunCycle(ctx context.Context, at time.Time) (*CycleResult, error) {
	cycle := CycleKey(at)
	log := zap.L().With(zap.String("cycle", cycle))

	subs, err := p.subs.ListActiveSubscriptions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "grant: list subscriptions")
	}

	var granted, skipped, unknown, credits atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, sub := range subs {
		g.Go(func() error {
			n, ok := p.plans.Credits(sub.Plan)
			if !ok {
				unknown.Add(1)
				log.Warn("grant: unknown plan", zap.String("user_id", sub.UserID), zap.String("plan", sub.Plan))
				return nil
			}
			if n == 0 {
				skipped.Add(1)
				return nil
			}
			_, applied, err := p.ledger.Credit(gctx, sub.UserID, n, model.TransactionEarned, Reference(sub.UserID, cycle))
			if err != nil {
				return eris.Wrapf(err, "grant: credit %s", sub.UserID)
			}
			if !applied {
				skipped.Add(1)
				return nil
			}
			granted.Add(1)
			credits.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &CycleResult{
		Cycle:    cycle,
		Eligible: len(subs),
		Granted:  int(granted.Load()),
		Skipped:  int(skipped.Load()),
		Unknown:  int(unknown.Load()),
		Credits:  int(credits.Load()),
	}
	log.Info("grant: cycle complete",
		zap.Int("eligible", res.Eligible),
		zap.Int("granted", res.Granted),
		zap.Int("skipped", res.Skipped),
		zap.Int("unknown", res.Unknown),
		zap.Int("credits", res.Credits),
	)
	return res, nil
}
