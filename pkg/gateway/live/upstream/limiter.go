package upstream

import "time"

// AdaptiveLimiter implements C3: a multi-level backoff penalty applied when
// the upstream signals a 429-like rate limit on the outbound audio leg.
// Like principalLimiter in pkg/gateway/ratelimit it takes the current time
// as an argument; unlike principalLimiter it has no mutex, because this
// limiter is owned by a single upstream session and never shared.
type AdaptiveLimiter struct {
	level          int
	penaltyExpires time.Time
}

// NewAdaptiveLimiter returns a limiter starting at penalty level 0.
func NewAdaptiveLimiter() *AdaptiveLimiter {
	return &AdaptiveLimiter{}
}

// AllowSend reports whether outbound audio may be sent right now.
func (l *AdaptiveLimiter) AllowSend(now time.Time) bool {
	if l == nil {
		return true
	}
	return !now.Before(l.penaltyExpires)
}

// MarkRateLimited records a 429-like signal from upstream: the penalty
// level increases (capped at 5) and the expiry window extends to
// level*1000 + 500 ms from now.
func (l *AdaptiveLimiter) MarkRateLimited(now time.Time) {
	if l == nil {
		return
	}
	if l.level < 5 {
		l.level++
	}
	l.penaltyExpires = now.Add(time.Duration(l.level)*time.Second + 500*time.Millisecond)
}

// MarkSuccess records a successful send: the penalty level decays by one,
// and clears the expiry once it reaches zero.
func (l *AdaptiveLimiter) MarkSuccess() {
	if l == nil || l.level == 0 {
		return
	}
	l.level--
	if l.level == 0 {
		l.penaltyExpires = time.Time{}
	}
}

// Level reports the current penalty level, for diagnostics/metrics.
func (l *AdaptiveLimiter) Level() int {
	if l == nil {
		return 0
	}
	return l.level
}
