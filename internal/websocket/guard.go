package websocket

import (
	"sync"
	"time"
)

type GuardState int

const (
	StateConnecting GuardState = iota
	StateAuthenticated
	StateDisconnected
)

func (s GuardState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Guard closes connections that fail to authenticate in time. It is armed
// when created and fires at most once.
type Guard struct {
	mu        sync.Mutex
	state     GuardState
	timer     *time.Timer
	onTimeout func()
}

// NewGuard arms a guard that calls onTimeout after timeout unless
// Authenticated or Stop is called first.
func NewGuard(timeout time.Duration, onTimeout func()) *Guard {
	g := &Guard{onTimeout: onTimeout}
	g.mu.Lock()
	g.timer = time.AfterFunc(timeout, g.fire)
	g.mu.Unlock()
	return g
}

func (g *Guard) fire() {
	g.mu.Lock()
	if g.state != StateConnecting {
		g.mu.Unlock()
		return
	}
	g.state = StateDisconnected
	g.mu.Unlock()

	g.onTimeout()
}

// Authenticated disarms the guard for good. It returns false if the
// session is already disconnected.
func (g *Guard) Authenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateConnecting:
		g.timer.Stop()
		g.state = StateAuthenticated
		return true
	case StateAuthenticated:
		return true
	}
	return false
}

// Stop disarms the guard on disconnect.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timer.Stop()
	g.state = StateDisconnected
}

func (g *Guard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
