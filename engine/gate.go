package engine

import (
	"context"
	"errors"
	"github.com/jt05610/echemlab"
	"sync"
)

// gate holds executors while the engine is paused. pausedCh is closed while
// paused and resumedCh while running, so executors can select on either.
type gate struct {
	mu        sync.Mutex
	paused    bool
	pausedCh  chan struct{}
	resumedCh chan struct{}
}

func newGate() *gate {
	r := make(chan struct{})
	close(r)
	return &gate{pausedCh: make(chan struct{}), resumedCh: r}
}

func (g *gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	close(g.pausedCh)
	g.resumedCh = make(chan struct{})
	return true
}

func (g *gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resumedCh)
	g.pausedCh = make(chan struct{})
	return true
}

func (g *gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// pausedSignal is closed once the gate is paused.
func (g *gate) pausedSignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedCh
}

// Wait blocks while the gate is paused.
func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused, resumed := g.paused, g.resumedCh
		g.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resumed:
		case <-ctx.Done():
			return cancelled(ctx)
		}
	}
}

func cancelled(ctx context.Context) error {
	return errors.Join(echemlab.ErrCancelled, ctx.Err())
}
