// Package notify sends failure notifications for flows.
//
// Under the dedupe policy at most one notification is sent per failure
// episode: the first failed execution claims a marker for the flow and the
// marker is cleared when an execution of the flow succeeds.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/pkg/api"
)

// FailureNotice describes a failed execution.
type FailureNotice struct {
	FlowID      string    `json:"flowId"`
	FlowName    string    `json:"flowName"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	Error       string    `json:"error,omitempty"`
	FailedAt    time.Time `json:"failedAt"`
}

// Details reports what a Mailer did with a notice.
type Details struct {
	MessageID string
	SentAt    time.Time
}

// Mailer delivers failure notices to the flow owner.
type Mailer interface {
	SendFailureEmail(ctx context.Context, notice FailureNotice) (Details, error)
}

// DedupStore records which flows are inside a failure episode.
type DedupStore interface {
	// Claim marks flowID as notified. It reports true only for the caller
	// that set the marker. ttl <= 0 means the marker never expires.
	Claim(ctx context.Context, flowID string, ttl time.Duration) (bool, error)
	// Reset clears the marker for flowID.
	Reset(ctx context.Context, flowID string) error
}

// Notifier decides whether a failure notice is sent.
type Notifier struct {
	dedup  DedupStore
	mailer Mailer
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithDedupTTL bounds how long a failure episode marker lives.
func WithDedupTTL(ttl time.Duration) Option {
	return func(n *Notifier) { n.ttl = ttl }
}

// WithLogger sets the logger used for delivery problems.
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// New returns a Notifier.
func New(dedup DedupStore, mailer Mailer, opts ...Option) *Notifier {
	n := &Notifier{
		dedup:  dedup,
		mailer: mailer,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyFailure sends a notice for a failed execution unless the flow's
// policy suppresses it. It reports whether a notice was sent. Delivery
// problems are logged and never returned.
func (n *Notifier) NotifyFailure(ctx context.Context, flow api.Flow, exec api.Execution, step api.Step, cause error) bool {
	logger := n.logger.With().Str("flow_id", flow.ID).Str("execution_id", exec.ID).Logger()

	claimed := false
	if flow.NotificationPolicy != api.NotifyAlways {
		ok, err := n.dedup.Claim(ctx, flow.ID, n.ttl)
		switch {
		case err != nil:
			// Fail open.
			logger.Warn().Err(err).Msg("failure notification dedup claim failed")
		case !ok:
			logger.Debug().Msg("failure notification suppressed, episode already notified")
			return false
		default:
			claimed = true
		}
	}

	notice := FailureNotice{
		FlowID:      flow.ID,
		FlowName:    flow.Name,
		ExecutionID: exec.ID,
		StepID:      step.ID,
		FailedAt:    n.now().UTC(),
	}
	if cause != nil {
		notice.ErrorKind = api.ErrorKind(cause)
		notice.Error = cause.Error()
	}

	details, err := n.mailer.SendFailureEmail(ctx, notice)
	if err != nil {
		logger.Error().Err(err).Msg("failure notification not sent")
		if claimed {
			// Let the next failure of this episode try again.
			if err := n.dedup.Reset(ctx, flow.ID); err != nil {
				logger.Warn().Err(err).Msg("failure notification dedup reset failed")
			}
		}
		return false
	}

	logger.Info().Str("message_id", details.MessageID).Msg("failure notification sent")
	return true
}

// Reset ends the failure episode of flowID.
func (n *Notifier) Reset(ctx context.Context, flowID string) {
	if err := n.dedup.Reset(ctx, flowID); err != nil {
		n.logger.Warn().Err(err).Str("flow_id", flowID).Msg("failure notification dedup reset failed")
	}
}
