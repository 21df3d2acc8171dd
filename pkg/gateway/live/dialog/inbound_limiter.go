package dialog

import "time"

// InboundAudioLimiter is a token-bucket cap on client-to-gateway mic audio,
// bounding both frame rate and byte rate with a configurable burst
// allowance. Adapted from the teacher's unexported inboundAudioLimiter,
// exported here since the dialog package is the new home for the session
// task that owns it.
type InboundAudioLimiter struct {
	now          func() time.Time
	fpsRate      int64
	fpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time
}

// NewInboundAudioLimiter returns nil (meaning "unlimited") when both rates
// are non-positive.
func NewInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *InboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &InboundAudioLimiter{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if l.fpsRate > 0 {
		l.fpsTokens = l.fpsRate * l.burstSeconds
	}
	if l.bpsRate > 0 {
		l.bpsTokens = l.bpsRate * l.burstSeconds
	}
	return l
}

// Allow reports whether a frame of frameBytes may be admitted right now,
// deducting tokens from both buckets if so.
func (l *InboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.bpsRate > 0 && l.bpsTokens < int64(frameBytes) {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= int64(frameBytes)
	}
	return true
}

func (l *InboundAudioLimiter) refill() {
	now := l.now()
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}

	if l.fpsRate > 0 {
		add := (elapsed.Nanoseconds() * l.fpsRate) / int64(time.Second)
		if add > 0 {
			l.fpsTokens += add
			if max := l.fpsRate * l.burstSeconds; l.fpsTokens > max {
				l.fpsTokens = max
			}
		}
	}
	if l.bpsRate > 0 {
		add := (elapsed.Nanoseconds() * l.bpsRate) / int64(time.Second)
		if add > 0 {
			l.bpsTokens += add
			if max := l.bpsRate * l.burstSeconds; l.bpsTokens > max {
				l.bpsTokens = max
			}
		}
	}

	l.lastRefill = now
}
