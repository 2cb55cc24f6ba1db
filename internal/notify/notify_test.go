package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

type recordingMailer struct {
	mu      sync.Mutex
	notices []FailureNotice
	err     error
}

func (m *recordingMailer) SendFailureEmail(ctx context.Context, notice FailureNotice) (Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Details{}, m.err
	}
	m.notices = append(m.notices, notice)
	return Details{MessageID: "m", SentAt: time.Now()}, nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notices)
}

type failingDedup struct{}

func (failingDedup) Claim(ctx context.Context, flowID string, ttl time.Duration) (bool, error) {
	return false, errors.New("dedup down")
}
func (failingDedup) Reset(ctx context.Context, flowID string) error { return nil }

func TestNotifier_DedupePolicySendsOncePerEpisode(t *testing.T) {
	mailer := &recordingMailer{}
	n := New(NewMemoryDedup(), mailer)
	ctx := context.Background()
	flow := api.Flow{ID: "flow-1", Name: "orders"}
	step := api.Step{ID: "a1"}

	if !n.NotifyFailure(ctx, flow, api.Execution{ID: "e1"}, step, api.Unrecoverable(errors.New("boom"))) {
		t.Fatalf("expected first failure to be notified")
	}
	if n.NotifyFailure(ctx, flow, api.Execution{ID: "e2"}, step, errors.New("boom")) {
		t.Fatalf("expected second failure of the episode to be suppressed")
	}

	n.Reset(ctx, flow.ID)
	if !n.NotifyFailure(ctx, flow, api.Execution{ID: "e3"}, step, errors.New("boom")) {
		t.Fatalf("expected a new episode to be notified")
	}

	if mailer.count() != 2 {
		t.Fatalf("expected 2 notices, got %d", mailer.count())
	}
	first := mailer.notices[0]
	if first.ExecutionID != "e1" || first.StepID != "a1" || first.ErrorKind != api.KindUnrecoverable || first.Error != "boom" {
		t.Fatalf("unexpected notice: %+v", first)
	}
}

func TestNotifier_AlwaysPolicy(t *testing.T) {
	mailer := &recordingMailer{}
	n := New(NewMemoryDedup(), mailer)
	flow := api.Flow{ID: "flow-1", NotificationPolicy: api.NotifyAlways}

	for i := 0; i < 3; i++ {
		n.NotifyFailure(context.Background(), flow, api.Execution{ID: "e"}, api.Step{}, nil)
	}
	if mailer.count() != 3 {
		t.Fatalf("expected 3 notices, got %d", mailer.count())
	}
}

func TestNotifier_EpisodesArePerFlow(t *testing.T) {
	mailer := &recordingMailer{}
	n := New(NewMemoryDedup(), mailer)
	ctx := context.Background()

	n.NotifyFailure(ctx, api.Flow{ID: "a"}, api.Execution{ID: "e1"}, api.Step{}, nil)
	n.NotifyFailure(ctx, api.Flow{ID: "b"}, api.Execution{ID: "e2"}, api.Step{}, nil)
	if mailer.count() != 2 {
		t.Fatalf("expected one notice per flow, got %d", mailer.count())
	}
}

func TestNotifier_MailerErrorReleasesClaim(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp down")}
	n := New(NewMemoryDedup(), mailer)
	ctx := context.Background()
	flow := api.Flow{ID: "flow-1"}

	if n.NotifyFailure(ctx, flow, api.Execution{ID: "e1"}, api.Step{}, nil) {
		t.Fatalf("expected send to fail")
	}

	mailer.err = nil
	if !n.NotifyFailure(ctx, flow, api.Execution{ID: "e2"}, api.Step{}, nil) {
		t.Fatalf("expected the next failure to retry the notice")
	}
}

func TestNotifier_DedupErrorFailsOpen(t *testing.T) {
	mailer := &recordingMailer{}
	n := New(failingDedup{}, mailer)

	if !n.NotifyFailure(context.Background(), api.Flow{ID: "f"}, api.Execution{ID: "e"}, api.Step{}, nil) {
		t.Fatalf("expected notice to be sent when dedup is unavailable")
	}
}

func TestMemoryDedup_TTL(t *testing.T) {
	d := NewMemoryDedup()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "f", time.Minute); !ok {
		t.Fatalf("expected first claim")
	}
	if ok, _ := d.Claim(ctx, "f", time.Minute); ok {
		t.Fatalf("expected second claim to fail")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := d.Claim(ctx, "f", 0); !ok {
		t.Fatalf("expected claim after expiry")
	}

	now = now.Add(24 * time.Hour)
	if ok, _ := d.Claim(ctx, "f", 0); ok {
		t.Fatalf("markers without ttl must not expire")
	}
}
