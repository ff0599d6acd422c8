package transcription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

type GateObserver interface {
	ObserveGate(active, waiting int64, wait time.Duration)
}

// Gate bounds how many backend invocations run at once. Waiters are admitted
// in arrival order; a waiter whose context ends leaves the queue.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	active   atomic.Int64
	waiting  atomic.Int64
	observer GateObserver
}

type GateStats struct {
	Capacity int64 `json:"capacity"`
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
}

func NewGate(capacity int, observer GateObserver) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		observer: observer,
	}
}

// Acquire blocks until a slot is free. The returned func releases the slot and
// is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	started := time.Now()
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		g.observe(time.Since(started))
		return nil, err
	}
	g.active.Add(1)
	g.observe(time.Since(started))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.active.Add(-1)
			g.sem.Release(1)
			g.observe(0)
		})
	}, nil
}

func (g *Gate) Stats() GateStats {
	return GateStats{
		Capacity: g.capacity,
		Active:   g.active.Load(),
		Waiting:  g.waiting.Load(),
	}
}

func (g *Gate) observe(wait time.Duration) {
	if g.observer != nil {
		g.observer.ObserveGate(g.active.Load(), g.waiting.Load(), wait)
	}
}
