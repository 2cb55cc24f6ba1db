package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/flowline/pkg/api"
)

// DefaultSweepInterval is how often a MemoryLimiter drops idle groups.
const DefaultSweepInterval = time.Minute

type memGroup struct {
	bucket      *rate.Limiter
	inflight    int
	pausedUntil time.Time
}

// idle reports whether dropping g changes no future decision: nothing is in
// flight, no pause is running and the bucket has refilled.
func (g *memGroup) idle(now time.Time) bool {
	if g.inflight > 0 || now.Before(g.pausedUntil) {
		return false
	}
	return g.bucket == nil || g.bucket.TokensAt(now) >= float64(g.bucket.Burst())
}

// MemoryLimiter is a Limiter for a single process. Rate limits use a token
// bucket per group that allows bursts of up to Limit jobs.
//
// Only groups with a policy or a running pause hold state, and idle groups
// are dropped every sweep interval.
type MemoryLimiter struct {
	mu            sync.Mutex
	groups        map[GroupKey]*memGroup
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter returns an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		groups:        make(map[GroupKey]*memGroup),
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
}

func (l *MemoryLimiter) groupLocked(key GroupKey, policy api.GroupPolicy) *memGroup {
	g, ok := l.groups[key]
	if !ok {
		g = &memGroup{}
		l.groups[key] = g
	}
	if g.bucket == nil && policy.Limit > 0 && policy.Per > 0 {
		g.bucket = rate.NewLimiter(rate.Every(policy.Per/time.Duration(policy.Limit)), policy.Limit)
	}
	return g
}

func (l *MemoryLimiter) Acquire(ctx context.Context, key GroupKey, policy api.GroupPolicy) (Permit, error) {
	if err := ctx.Err(); err != nil {
		return Permit{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	if g, ok := l.groups[key]; ok && now.Before(g.pausedUntil) {
		return denied(g.pausedUntil.Sub(now)), nil
	}
	if policy.IsZero() {
		return granted(nil), nil
	}

	g := l.groupLocked(key, policy)
	if policy.Concurrency > 0 && g.inflight >= policy.Concurrency {
		return denied(ConcurrencyRetryAfter), nil
	}
	if g.bucket != nil {
		r := g.bucket.ReserveN(now, 1)
		if !r.OK() {
			return denied(policy.Per), nil
		}
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return denied(d), nil
		}
	}

	if policy.Concurrency <= 0 {
		return granted(nil), nil
	}
	g.inflight++
	return granted(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if g.inflight > 0 {
			g.inflight--
		}
	}), nil
}

func (l *MemoryLimiter) Pause(ctx context.Context, key GroupKey, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	g, ok := l.groups[key]
	if !ok {
		g = &memGroup{}
		l.groups[key] = g
	}
	if until := now.Add(d); until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
	return nil
}

// Len returns the number of groups holding state.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.groups)
}

// sweepLocked drops idle groups at most once per sweep interval.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepInterval {
		return
	}
	l.lastSweep = now
	for key, g := range l.groups {
		if g.idle(now) {
			delete(l.groups, key)
		}
	}
}
