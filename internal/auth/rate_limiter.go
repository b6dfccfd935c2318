package auth

import (
	"sync"
	"time"
)

// failedAttempts tracks login failures for one email inside the window
type failedAttempts struct {
	Count    int
	FirstTry time.Time
	LastTry  time.Time
}

// LoginRateLimiter locks an account key out after too many failures within
// a window. State is in memory and per process.
type LoginRateLimiter struct {
	attempts map[string]*failedAttempts
	mu       sync.Mutex

	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// NewLoginRateLimiter creates a limiter. maxAttempts <= 0 disables limiting.
func NewLoginRateLimiter(maxAttempts int, window time.Duration) *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*failedAttempts),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// AllowLogin reports whether another attempt for key may proceed
func (l *LoginRateLimiter) AllowLogin(key string) bool {
	if l == nil || l.maxAttempts <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, exists := l.attempts[key]
	if !exists {
		return true
	}
	if l.now().Sub(attempt.FirstTry) > l.window {
		delete(l.attempts, key)
		return true
	}
	return attempt.Count < l.maxAttempts
}

// RecordFailedAttempt records a failed login for key and prunes stale entries
func (l *LoginRateLimiter) RecordFailedAttempt(key string) {
	if l == nil || l.maxAttempts <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	attempt, exists := l.attempts[key]
	if !exists || now.Sub(attempt.FirstTry) > l.window {
		l.attempts[key] = &failedAttempts{Count: 1, FirstTry: now, LastTry: now}
		return
	}
	attempt.Count++
	attempt.LastTry = now
}

// Reset clears the failures for key, called after a successful login
func (l *LoginRateLimiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// GetAttempts returns the failures currently counted for key
func (l *LoginRateLimiter) GetAttempts(key string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, exists := l.attempts[key]
	if !exists || l.now().Sub(attempt.FirstTry) > l.window {
		return 0
	}
	return attempt.Count
}

// cleanup removes entries whose window has passed. Caller holds mu.
func (l *LoginRateLimiter) cleanup(now time.Time) {
	for key, attempt := range l.attempts {
		if now.Sub(attempt.LastTry) > l.window {
			delete(l.attempts, key)
		}
	}
}
