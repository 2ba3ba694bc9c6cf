package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Guard wraps real-time audio callbacks. A panicking callback marks the
// backend dead instead of taking the process down, and once dead every
// later callback returns immediately.
type Guard struct {
	alive atomic.Bool
	once  sync.Once
	dead  chan struct{}
	err   atomic.Pointer[error]
}

// NewGuard returns a live guard.
func NewGuard() *Guard {
	g := &Guard{dead: make(chan struct{})}
	g.alive.Store(true)
	return g
}

// Alive reports whether the callback thread is still healthy.
func (g *Guard) Alive() bool {
	return g.alive.Load()
}

// Run calls fn unless the guard is dead.
func (g *Guard) Run(fn func()) {
	if !g.alive.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.Kill(fmt.Errorf("audio callback panicked: %v", r))
		}
	}()
	fn()
}

// Kill marks the guard dead with err. Only the first error is kept.
func (g *Guard) Kill(err error) {
	g.once.Do(func() {
		g.err.Store(&err)
		g.alive.Store(false)
		close(g.dead)
	})
}

// Dead is closed once the guard has been killed.
func (g *Guard) Dead() <-chan struct{} {
	return g.dead
}

// Err returns the error that killed the guard, or nil.
func (g *Guard) Err() error {
	if p := g.err.Load(); p != nil {
		return *p
	}
	return nil
}
