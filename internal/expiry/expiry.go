// Package expiry derives the hard expiration of a session from its creation time.
//
// Expiration is a property of wall-clock time. The countdown watcher only
// decides how often it is re-evaluated, so a process resumed after suspension
// reports the correct remaining time on its first evaluation.
package expiry

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is the fixed window after which a session is irrecoverably invalid.
const DefaultTTL = 23 * time.Hour

// Remaining returns max(0, createdAt+ttl-now).
func Remaining(createdAt, now time.Time, ttl time.Duration) time.Duration {
	left := createdAt.Add(ttl).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// IsValid reports whether now is strictly before createdAt+ttl.
func IsValid(createdAt, now time.Time, ttl time.Duration) bool {
	return Remaining(createdAt, now, ttl) > 0
}

// FormatRemaining renders d as "Hh Mm Ss" for the viewing countdown.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// Guard evaluates expiration against an injectable clock.
type Guard struct {
	ttl time.Duration
	now func() time.Time
}

// NewGuard creates a guard. A nil clock uses time.Now.
func NewGuard(ttl time.Duration, now func() time.Time) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{ttl: ttl, now: now}
}

// TTL returns the configured expiration window.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Remaining returns the time left for a session created at createdAt.
func (g *Guard) Remaining(createdAt time.Time) time.Duration {
	return Remaining(createdAt, g.now(), g.ttl)
}

// IsValid reports whether a session created at createdAt is still valid.
func (g *Guard) IsValid(createdAt time.Time) bool {
	return IsValid(createdAt, g.now(), g.ttl)
}

// ExpiresAt returns the expiration instant for createdAt.
func (g *Guard) ExpiresAt(createdAt time.Time) time.Time {
	return createdAt.Add(g.ttl)
}

// Watch reports the remaining time immediately and then on every interval
// tick until the session expires or ctx is done. It returns true when the
// session expired and false when ctx was cancelled first.
func (g *Guard) Watch(ctx context.Context, createdAt time.Time, interval time.Duration, onTick func(time.Duration)) bool {
	check := func() bool {
		left := g.Remaining(createdAt)
		if onTick != nil {
			onTick(left)
		}
		return left == 0
	}

	if ctx.Err() != nil {
		return false
	}
	if check() {
		return true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if ctx.Err() != nil {
				return false
			}
			if check() {
				return true
			}
		}
	}
}
