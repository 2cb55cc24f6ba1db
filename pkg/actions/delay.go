package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// DelayOutput is recorded by delay actions. The engine reads DelayUntil to
// schedule the next step.
type DelayOutput struct {
	DelayUntil time.Time `json:"delayUntil"`
}

var delayUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// DelayFor pauses the pipeline for "amount unit" from now.
type DelayFor struct {
	Now func() time.Time
}

func (h DelayFor) Run(ctx context.Context, rc api.RunContext) (api.Result, error) {
	unitName, _ := rc.Parameters["unit"].(string)
	unit, ok := delayUnits[strings.ToLower(unitName)]
	if !ok {
		return api.Result{}, api.NewConfigurationError("unsupported delay unit %q", unitName)
	}

	amount, err := numberParam(rc.Parameters, "amount")
	if err != nil {
		return api.Result{}, err
	}
	if amount < 0 {
		return api.Result{}, api.NewConfigurationError("delay amount must not be negative")
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	until := now().Add(time.Duration(amount * float64(unit))).UTC()
	return api.Result{Output: DelayOutput{DelayUntil: until}}, nil
}

// DelayUntil pauses the pipeline until the "until" timestamp (RFC 3339).
type DelayUntil struct{}

func (DelayUntil) Run(ctx context.Context, rc api.RunContext) (api.Result, error) {
	raw, _ := rc.Parameters["until"].(string)
	until, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return api.Result{}, api.NewConfigurationError("until must be an RFC 3339 timestamp: %q", raw)
	}
	return api.Result{Output: DelayOutput{DelayUntil: until.UTC()}}, nil
}

// DelayFromOutput computes how long to wait before the step after a delay
// action. Timestamps in the past yield zero.
func DelayFromOutput(output json.RawMessage, now time.Time) (time.Duration, error) {
	if len(output) == 0 {
		return 0, fmt.Errorf("delay step recorded no output")
	}
	var out DelayOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return 0, fmt.Errorf("decode delay output: %w", err)
	}
	if out.DelayUntil.IsZero() {
		return 0, fmt.Errorf("delay output has no delayUntil")
	}
	d := out.DelayUntil.Sub(now)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func numberParam(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, api.NewConfigurationError("%s must be a number, got %q", key, v)
		}
		return f, nil
	default:
		return 0, api.NewConfigurationError("%s must be a number", key)
	}
}

// RegisterBuiltins registers the core if-then and delay handlers.
func RegisterBuiltins(reg *api.Registry) error {
	if err := reg.Register(api.CoreIntegration, api.ActionIfThen, IfThen{}); err != nil {
		return err
	}
	if err := reg.Register(api.CoreIntegration, api.ActionDelayFor, DelayFor{}); err != nil {
		return err
	}
	return reg.Register(api.CoreIntegration, api.ActionDelayUntil, DelayUntil{})
}
