package auth

import (
	"sync"
	"time"
)

// loginLimiter は IP ごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type loginLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	lockFor     time.Duration
	maxAttempts int
	now         func() time.Time
	attempts    map[string]*attemptState
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

func newLoginLimiter(window, lockFor time.Duration, maxAttempts int) *loginLimiter {
	return &loginLimiter{
		window:      window,
		lockFor:     lockFor,
		maxAttempts: maxAttempts,
		now:         time.Now,
		attempts:    make(map[string]*attemptState),
	}
}

// lockedFor はロック中なら残り時間を返します。
func (l *loginLimiter) lockedFor(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[ip]
	if !ok {
		return 0
	}
	now := l.now()
	if !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// fail は失敗を記録し、残りの試行回数を返します。
func (l *loginLimiter) fail(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > l.window {
		state = &attemptState{firstAttempt: now}
		l.attempts[ip] = state
	}
	state.count++
	if state.count >= l.maxAttempts {
		state.count = l.maxAttempts
		state.lockedUntil = now.Add(l.lockFor)
	}
	return max(l.maxAttempts-state.count, 0)
}

func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}
