package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

func TestDelayFor_ComputesDelayUntil(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := DelayFor{Now: func() time.Time { return now }}

	res, err := h.Run(context.Background(), api.RunContext{
		Parameters: map[string]any{"amount": "1.5", "unit": "hours"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out, ok := res.Output.(DelayOutput)
	if !ok {
		t.Fatalf("expected DelayOutput, got %T", res.Output)
	}
	if want := now.Add(90 * time.Minute); !out.DelayUntil.Equal(want) {
		t.Fatalf("expected %v, got %v", want, out.DelayUntil)
	}
}

func TestDelayFor_InvalidParameters(t *testing.T) {
	cases := []map[string]any{
		{"amount": 5, "unit": "fortnights"},
		{"amount": "soon", "unit": "minutes"},
		{"amount": -1.0, "unit": "minutes"},
		{"unit": "minutes"},
	}
	for _, params := range cases {
		_, err := DelayFor{}.Run(context.Background(), api.RunContext{Parameters: params})
		var ce *api.ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("params %v: expected ConfigurationError, got %v", params, err)
		}
	}
}

func TestDelayUntil(t *testing.T) {
	res, err := DelayUntil{}.Run(context.Background(), api.RunContext{
		Parameters: map[string]any{"until": "2030-01-02T03:04:05Z"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := res.Output.(DelayOutput).DelayUntil; !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	_, err = DelayUntil{}.Run(context.Background(), api.RunContext{
		Parameters: map[string]any{"until": "tomorrow"},
	})
	if api.ErrorKind(err) != api.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDelayFromOutput(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	data, _ := json.Marshal(DelayOutput{DelayUntil: now.Add(10 * time.Minute)})
	d, err := DelayFromOutput(data, now)
	if err != nil {
		t.Fatalf("DelayFromOutput failed: %v", err)
	}
	if d != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", d)
	}

	past, _ := json.Marshal(DelayOutput{DelayUntil: now.Add(-time.Hour)})
	if d, err := DelayFromOutput(past, now); err != nil || d != 0 {
		t.Fatalf("expected zero delay for past timestamp, got %v, %v", d, err)
	}

	if _, err := DelayFromOutput(nil, now); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := api.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	for _, action := range []string{api.ActionIfThen, api.ActionDelayFor, api.ActionDelayUntil} {
		if _, ok := reg.Lookup(api.CoreIntegration, action); !ok {
			t.Fatalf("expected core/%s to be registered", action)
		}
	}
	if err := RegisterBuiltins(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
