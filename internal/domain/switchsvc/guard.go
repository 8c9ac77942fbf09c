package switchsvc

import (
	"context"
	"sync"
	"time"

	"antigravity-manager/internal/platform/errors"
)

// Owner categorises who holds the switch guard.
type Owner string

const (
	OwnerLocal Owner = "local"
	OwnerCloud Owner = "cloud"
)

// Guard serialises switch operations process-wide. Waiters are served in
// arrival order; a snapshot of the current holder is available without
// queueing.
type Guard struct {
	mu      sync.Mutex
	busy    bool
	owner   Owner
	label   string
	since   time.Time
	waiters []*waiter
}

type waiter struct {
	ch      chan struct{}
	owner   Owner
	label   string
	granted bool
}

// GuardStatus is a non-blocking view of the guard. Pending lists the
// waiting owners in arrival order.
type GuardStatus struct {
	Busy    bool      `json:"busy"`
	Owner   Owner     `json:"owner,omitempty"`
	Label   string    `json:"label,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Waiting int       `json:"waiting"`
	Pending []Owner   `json:"pending,omitempty"`
}

func NewGuard() *Guard {
	return &Guard{}
}

// Acquire blocks until the guard is free or ctx is done. The returned
// release function must be called exactly once.
func (g *Guard) Acquire(ctx context.Context, owner Owner, label string) (func(), error) {
	g.mu.Lock()
	if !g.busy {
		g.grantLocked(owner, label)
		g.mu.Unlock()
		return g.releaseFunc(), nil
	}

	w := &waiter{ch: make(chan struct{}), owner: owner, label: label}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ch:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// The grant raced the cancellation; pass it straight on.
			g.releaseLocked()
			g.mu.Unlock()
			return nil, errors.Wrap(errors.KindSwitch, "guard.acquire", "cancelled after grant", ctx.Err())
		}
		for i, queued := range g.waiters {
			if queued == w {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		return nil, errors.Wrap(errors.KindSwitch, "guard.acquire", "cancelled while waiting", ctx.Err())
	}
}

// TryAcquire takes the guard only if it is free.
func (g *Guard) TryAcquire(owner Owner, label string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return nil, false
	}
	g.grantLocked(owner, label)
	return g.releaseFunc(), true
}

func (g *Guard) grantLocked(owner Owner, label string) {
	g.busy = true
	g.owner = owner
	g.label = label
	g.since = time.Now()
}

func (g *Guard) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.releaseLocked()
			g.mu.Unlock()
		})
	}
}

// releaseLocked hands the guard to the oldest waiter, or frees it.
func (g *Guard) releaseLocked() {
	if len(g.waiters) == 0 {
		g.busy = false
		g.owner = ""
		g.label = ""
		g.since = time.Time{}
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	next.granted = true
	g.grantLocked(next.owner, next.label)
	close(next.ch)
}

// Snapshot reports the holder and the waiting queue without waiting.
func (g *Guard) Snapshot() GuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := GuardStatus{
		Busy:    g.busy,
		Owner:   g.owner,
		Label:   g.label,
		Since:   g.since,
		Waiting: len(g.waiters),
	}
	if len(g.waiters) > 0 {
		status.Pending = make([]Owner, len(g.waiters))
		for i, w := range g.waiters {
			status.Pending[i] = w.owner
		}
	}
	return status
}
