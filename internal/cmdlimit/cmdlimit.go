// Package cmdlimit implements a per-client sliding-window command-rate
// limiter, guarding the control connection against a client that issues
// commands faster than the server can reasonably service. A rejected
// command does not count against the client's own window, so a client that
// backs off immediately recovers on its very next attempt.
package cmdlimit

import (
	"sync"
	"time"
)

// DefaultMaxCommands and DefaultWindow give the server's default command
// rate: at most DefaultMaxCommands commands per DefaultWindow.
const (
	DefaultMaxCommands = 20
	DefaultWindow      = time.Second
)

// Limiter tracks recent command timestamps per client.
type Limiter struct {
	mu          sync.Mutex
	history     map[string][]time.Time
	maxCommands int
	window      time.Duration
}

// New constructs a Limiter allowing maxCommands per window, per client key.
func New(maxCommands int, window time.Duration) *Limiter {
	return &Limiter{
		history:     make(map[string][]time.Time),
		maxCommands: maxCommands,
		window:      window,
	}
}

// NewDefault constructs a Limiter using DefaultMaxCommands and DefaultWindow.
func NewDefault() *Limiter {
	return New(DefaultMaxCommands, DefaultWindow)
}

// Allow reports whether clientKey may issue another command now. If allowed,
// the command is recorded against the client's window; if rejected, nothing
// is recorded, so the rejection itself does not count against the client.
func (l *Limiter) Allow(clientKey string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.history[clientKey]
	kept := entries[:0]
	for _, t := range entries {
		if now.Sub(t) <= l.window {
			kept = append(kept, t)
		}
	}

	if len(kept) < l.maxCommands {
		kept = append(kept, now)
		l.history[clientKey] = kept
		return true
	}

	l.history[clientKey] = kept
	return false
}

// Forget discards rate-limiting history for clientKey, called when a
// control connection closes.
func (l *Limiter) Forget(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, clientKey)
}
