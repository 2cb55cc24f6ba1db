// Package ratelimit enforces per-group concurrency and rate limits for
// integrations that declare an api.GroupPolicy.
//
// A group is identified by the integration key plus a group key resolved
// from the step, usually the external account the credential belongs to.
// Jobs that are denied a permit are re-queued by the caller after
// Permit.RetryAfter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// ConcurrencyRetryAfter is how long a job denied for concurrency waits
// before it is offered again.
const ConcurrencyRetryAfter = 250 * time.Millisecond

// GroupKey identifies one limited group.
type GroupKey struct {
	Integration string
	Group       string
}

func (k GroupKey) String() string {
	return k.Integration + ":" + k.Group
}

// Permit is the result of Acquire. A granted permit must be released when
// the job finishes; releasing more than once is harmless.
type Permit struct {
	Granted    bool
	RetryAfter time.Duration

	release func()
}

// Release returns the concurrency slot held by a granted permit.
func (p Permit) Release() {
	if p.release != nil {
		p.release()
	}
}

func granted(release func()) Permit {
	if release == nil {
		return Permit{Granted: true}
	}
	var once sync.Once
	return Permit{Granted: true, release: func() { once.Do(release) }}
}

func denied(retryAfter time.Duration) Permit {
	return Permit{RetryAfter: retryAfter}
}

// Limiter hands out permits for groups.
type Limiter interface {
	// Acquire asks for a permit to run one job of the group under policy.
	Acquire(ctx context.Context, key GroupKey, policy api.GroupPolicy) (Permit, error)

	// Pause denies every permit of the group until now+d.
	Pause(ctx context.Context, key GroupKey, d time.Duration) error
}
