// Package limiter enforces the client-side phone OTP resend cooldown.
package limiter

import (
	"context"
	"sync"
	"time"
)

// DefaultCooldown is the wait between two OTP sends to the same number.
const DefaultCooldown = 60 * time.Second

// Limiter gates OTP sends per phone number.
type Limiter interface {
	// Allow reports whether a send is allowed now and, if not, how long to wait.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success starts the cooldown after a code was sent.
	Success(ctx context.Context, key string) error
	// Failure records a provider-side rate limit; the cooldown is extended to at least
	// retryAfter (or the default cooldown when retryAfter is zero).
	Failure(ctx context.Context, key string, retryAfter time.Duration) error
}

// Memory is an in-process Limiter.
type Memory struct {
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs a Memory limiter. now may be nil.
func NewMemory(cooldown time.Duration, now func() time.Time) *Memory {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{cooldown: cooldown, now: now, until: make(map[string]time.Time)}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	u, ok := m.until[key]
	if !ok || !u.After(now) {
		delete(m.until, key)
		return true, 0, nil
	}
	return false, u.Sub(now), nil
}

// Success implements Limiter.
func (m *Memory) Success(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[key] = m.now().Add(m.cooldown)
	return nil
}

// Failure implements Limiter.
func (m *Memory) Failure(_ context.Context, key string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = m.cooldown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.now().Add(retryAfter)
	if u.After(m.until[key]) {
		m.until[key] = u
	}
	return nil
}
