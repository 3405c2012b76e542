// Package inflight collapses concurrent lookups of the same key into a
// single provider call. It is an optimization only: the store's uniqueness
// constraint on lookup results stays the authority when two processes both
// act as leader.
package inflight

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rehouzd/skiptrace/internal/model"
)

// Role reports how a caller took part in a coordinated call.
type Role int

const (
	// Leader callers executed the task themselves.
	Leader Role = iota + 1
	// Follower callers received the leader's outcome.
	Follower
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// ErrWaitTimeout is returned to a caller whose wait for the leader exceeded
// the wait bound. The key is released so a retry may lead.
var ErrWaitTimeout = eris.New("inflight: wait timeout")

// Task is the work a leader performs for a key.
type Task struct {
	// Call runs the provider round trip and stores its result.
	Call func(ctx context.Context) (*model.SharedLookupResult, error)
	// Settled returns a result another process stored while it held the
	// cluster lock, or nil when there is none yet. Only used with a Lock.
	Settled func(ctx context.Context) (*model.SharedLookupResult, error)
}

// Coordinator deduplicates concurrent tasks per key within this process and,
// with a Lock, across processes.
type Coordinator struct {
	group        singleflight.Group
	wait         time.Duration
	timeout      time.Duration
	lock         Lock
	lockTTL      time.Duration
	pollInterval time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWait bounds how long any caller waits for an outcome.
func WithWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.wait = d
		}
	}
}

// WithTaskTimeout bounds the detached task itself.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLock adds a cluster-wide lock taken by the leader before it runs.
func WithLock(l Lock, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.lock = l
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithPollInterval sets how often a leader blocked on the cluster lock
// checks for the holder's result.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a Coordinator. Defaults: 45s wait, 30s task timeout.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		wait:         45 * time.Second,
		timeout:      30 * time.Second,
		lockTTL:      60 * time.Second,
		pollInterval: 250 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do runs task for key unless a call for key is already in flight, in which
// case it waits for that call's outcome. The task runs detached from ctx:
// cancelling ctx returns ctx.Err() to this caller only.
func (c *Coordinator) Do(ctx context.Context, key model.ContactLookupKey, task Task) (*model.SharedLookupResult, Role, error) {
	name := key.Hash()
	var ran atomic.Bool

	ch := c.group.DoChan(name, func() (any, error) {
		ran.Store(true)
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.run(runCtx, name, task)
	})

	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		role := Follower
		if ran.Load() {
			role = Leader
		}
		if res.Err != nil {
			return nil, role, res.Err
		}
		r, _ := res.Val.(*model.SharedLookupResult)
		return r, role, nil
	case <-ctx.Done():
		return nil, c.role(&ran), ctx.Err()
	case <-timer.C:
		c.group.Forget(name)
		zap.L().Warn("inflight: wait bound exceeded",
			zap.String("key", key.String()),
			zap.Duration("wait", c.wait),
		)
		return nil, c.role(&ran), ErrWaitTimeout
	}
}

func (c *Coordinator) role(ran *atomic.Bool) Role {
	if ran.Load() {
		return Leader
	}
	return Follower
}

func (c *Coordinator) run(ctx context.Context, name string, task Task) (*model.SharedLookupResult, error) {
	if c.lock == nil {
		return task.Call(ctx)
	}

	for {
		release, ok, err := c.lock.Acquire(ctx, name, c.lockTTL)
		if err != nil {
			// Lock backend down; fall back to the store constraint.
			zap.L().Warn("inflight: cluster lock unavailable", zap.String("key", name), zap.Error(err))
			return task.Call(ctx)
		}
		if ok {
			defer release()
			return task.Call(ctx)
		}

		if task.Settled != nil {
			r, err := task.Settled(ctx)
			if err != nil {
				return nil, eris.Wrap(err, "inflight: read settled result")
			}
			if r != nil {
				return r, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ErrWaitTimeout
		case <-time.After(c.pollInterval):
		}
	}
}
