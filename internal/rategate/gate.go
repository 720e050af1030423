// Package rategate enforces a minimum interval between outbound upstream
// calls (spec C1). A single Gate is shared by the scheduler and the sync
// engine so every call they make, no matter which logical operation it
// serves, is spaced out identically.
package rategate

import (
	"context"
	"sync"
	"time"
)

// Gate maintains a single mutable deadline, nextAllowed, and admits one
// caller past it at a time. WaitThenMark always advances the deadline
// before returning, whether or not the caller's subsequent API call
// succeeds — this is deliberate: it's what keeps a failing upstream from
// turning into a retry storm.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	nextAllowed time.Time
	now         func() time.Time
}

// New creates a Gate enforcing minInterval between calls. A non-positive
// interval never blocks.
func New(minInterval time.Duration) *Gate {
	if minInterval < 0 {
		minInterval = 0
	}
	return &Gate{
		minInterval: minInterval,
		nextAllowed: time.Now(),
		now:         time.Now,
	}
}

// WaitThenMark blocks until the gate opens, then marks the next allowed
// time minInterval from now. Only one caller passes at a time: concurrent
// callers serialize on mu and each re-checks the deadline after the
// previous caller has advanced it.
func (g *Gate) WaitThenMark(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := g.nextAllowed.Sub(g.now())
		if wait <= 0 {
			g.nextAllowed = g.now().Add(g.minInterval)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Remaining reports how long a caller would currently have to wait. It is
// used by the scheduler to size its queue-wait timeout (spec §4.6 step 2);
// it does not consume a slot.
func (g *Gate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.nextAllowed.Sub(g.now())
	if d < 0 {
		return 0
	}
	return d
}
