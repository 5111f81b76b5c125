package application

import (
	"context"
	"sync"
)

// fifoGate is a mutex that hands ownership to waiters in arrival order.
type fifoGate struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (g *fifoGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, waiter := range g.waiters {
			if waiter == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// ownership was handed over while we were giving up
		g.release()
		return ctx.Err()
	}
}

func (g *fifoGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		g.held = false
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	close(next)
}

func (g *fifoGate) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
