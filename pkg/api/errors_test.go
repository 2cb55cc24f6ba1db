package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorKind(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"plain", base, KindUnclassified},
		{"retriable", Retriable(base), KindRetriable},
		{"retriable after", RetriableAfter(base, time.Second), KindRetriable},
		{"wrapped retriable", fmt.Errorf("send: %w", Retriable(base)), KindRetriable},
		{"unrecoverable", Unrecoverable(base), KindUnrecoverable},
		{"configuration", NewConfigurationError("missing %s", "channel"), KindConfiguration},
		{"unrecoverable configuration", Unrecoverable(NewConfigurationError("bad")), KindConfiguration},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Fatalf("%s: ErrorKind = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestUnrecoverable_Idempotent(t *testing.T) {
	if Unrecoverable(nil) != nil {
		t.Fatalf("Unrecoverable(nil) should stay nil")
	}

	once := Unrecoverable(errors.New("boom"))
	twice := Unrecoverable(once)
	if once != twice {
		t.Fatalf("wrapping twice should return the same error")
	}
	if twice.Error() != "boom" {
		t.Fatalf("unexpected message %q", twice.Error())
	}
}

func TestRetriableDelayHints(t *testing.T) {
	var re *RetriableError

	if !errors.As(Retriable(errors.New("x")), &re) || re.Delay.Mode != DelayDefault {
		t.Fatalf("Retriable should use the default backoff, got %+v", re)
	}
	if !errors.As(RetriableAfter(errors.New("x"), 3*time.Second), &re) ||
		re.Delay != (DelayHint{Mode: DelayFixed, Duration: 3 * time.Second}) {
		t.Fatalf("unexpected RetriableAfter hint %+v", re.Delay)
	}
	if !errors.As(RetriableGroup(errors.New("x"), time.Minute), &re) ||
		re.Delay != (DelayHint{Mode: DelayGroup, Duration: time.Minute}) {
		t.Fatalf("unexpected RetriableGroup hint %+v", re.Delay)
	}

	cause := errors.New("upstream 503")
	if !errors.Is(Retriable(cause), cause) {
		t.Fatalf("RetriableError should unwrap to its cause")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, rc RunContext) (Result, error) {
		return Result{Output: rc.Step.ID, Next: Continue()}, nil
	})

	if err := r.Register("slack", "send", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("slack", "send", h); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := r.Register("", "send", h); err == nil {
		t.Fatalf("expected empty integration to fail")
	}
	if err := r.Register("slack", "post", nil); err == nil {
		t.Fatalf("expected nil handler to fail")
	}

	got, ok := r.Lookup("slack", "send")
	if !ok {
		t.Fatalf("expected slack/send to be registered")
	}
	res, err := got.Run(context.Background(), RunContext{Step: Step{ID: "s1"}})
	if err != nil || res.Output != "s1" || res.Next.Kind != NextContinue {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}

	if _, ok := r.Lookup("slack", "post"); ok {
		t.Fatalf("unexpected handler for slack/post")
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, rc RunContext) (Result, error) { return Result{}, nil })
	r.MustRegister("core", "noop", h)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	r.MustRegister("core", "noop", h)
}

func TestRunContext_PriorOutput(t *testing.T) {
	rc := RunContext{PriorSteps: map[string]ExecutionStep{
		"trigger": {StepID: "trigger", Output: []byte(`{"email":"a@example.com"}`)},
		"empty":   {StepID: "empty"},
	}}

	var out struct {
		Email string `json:"email"`
	}
	if err := rc.PriorOutput("trigger", &out); err != nil || out.Email != "a@example.com" {
		t.Fatalf("PriorOutput = %+v, %v", out, err)
	}
	if err := rc.PriorOutput("empty", &out); err != nil {
		t.Fatalf("empty output should decode to nothing, got %v", err)
	}
	if err := rc.PriorOutput("missing", &out); err == nil {
		t.Fatalf("expected error for unknown step")
	}
}
