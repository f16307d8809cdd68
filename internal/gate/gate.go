// Package gate bounds concurrent upstream work. A global weighted semaphore
// limits how many upstream exchanges run at once across the process, and
// keyed lanes serialise work for one conversation.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

type lane struct {
	slot chan struct{}
	refs int
}

type Gate struct {
	sem    *semaphore.Weighted
	active atomic.Int64

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Gate allowing up to maxConcurrent holders at once.
func New(maxConcurrent int64) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gate{
		sem:   semaphore.NewWeighted(maxConcurrent),
		lanes: make(map[string]*lane),
	}
}

// Acquire blocks until a global slot is free and, for a non-empty key, until
// no other holder of the same key remains. The returned func releases both
// and must be called exactly once.
func (g *Gate) Acquire(ctx context.Context, key string) (func(), error) {
	var l *lane
	if key != "" {
		l = g.join(key)
		select {
		case l.slot <- struct{}{}:
		case <-ctx.Done():
			g.leave(key)
			return nil, ctx.Err()
		}
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		if l != nil {
			<-l.slot
			g.leave(key)
		}
		return nil, err
	}
	g.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.active.Add(-1)
			g.sem.Release(1)
			if l != nil {
				<-l.slot
				g.leave(key)
			}
		})
	}, nil
}

func (g *Gate) join(key string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lanes[key]
	if !ok {
		l = &lane{slot: make(chan struct{}, 1)}
		g.lanes[key] = l
	}
	l.refs++
	return l
}

func (g *Gate) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.lanes[key]
	l.refs--
	if l.refs == 0 {
		delete(g.lanes, key)
	}
}

// Active returns the number of current holders.
func (g *Gate) Active() int64 {
	return g.active.Load()
}

// WaitIdle blocks until no slot is held, or the timeout expires. Returns true
// if idle, false if timed out.
func (g *Gate) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if g.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
