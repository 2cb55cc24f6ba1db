package actions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/pkg/api"
)

// Operator is a comparison supported by if-then conditions.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpGTE      Operator = "gte"
	OpGT       Operator = "gt"
	OpLTE      Operator = "lte"
	OpLT       Operator = "lt"
	OpContains Operator = "contains"
	OpIsEmpty  Operator = "is_empty"
)

// Condition compares a field against a value.
//
// Field is either a literal or a reference to an earlier step's output of
// the form "steps.<stepID>.<path>". Negate turns "is" into "is not".
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Negate   bool     `json:"negate"`
}

// ParseConditions reads the "conditions" parameter of an if-then step.
func ParseConditions(params map[string]any) ([]Condition, error) {
	raw, ok := params["conditions"]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, api.NewConfigurationError("conditions: %v", err)
	}
	var conds []Condition
	if err := json.Unmarshal(data, &conds); err != nil {
		return nil, api.NewConfigurationError("conditions must be a list of {field, operator, value, negate}: %v", err)
	}
	return conds, nil
}

// Evaluate reports whether every condition holds. An unsupported operator
// fails with a ConfigurationError naming it.
func Evaluate(conds []Condition, rc api.RunContext) (bool, error) {
	for i, c := range conds {
		left, err := resolveField(c.Field, rc)
		if err != nil {
			return false, err
		}
		ok, err := evalCondition(c, left, rc.Logger)
		if err != nil {
			return false, err
		}
		if !ok {
			rc.Logger.Debug().Int("condition", i).Str("field", c.Field).Msg("condition not met")
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(c Condition, left string, log zerolog.Logger) (bool, error) {
	var result bool
	switch c.Operator {
	case OpEquals:
		result = left == c.Value
	case OpContains:
		result = strings.Contains(left, c.Value)
	case OpIsEmpty:
		result = strings.TrimSpace(left) == ""
	case OpGTE, OpGT, OpLTE, OpLT:
		l, lerr := strconv.ParseFloat(strings.TrimSpace(left), 64)
		r, rerr := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if lerr != nil || rerr != nil {
			log.Warn().
				Str("operator", string(c.Operator)).
				Str("left", left).
				Str("right", c.Value).
				Msg("non-numeric operand in numeric comparison")
			// Not comparable: the condition fails whether or not it is negated.
			return false, nil
		}
		switch c.Operator {
		case OpGTE:
			result = l >= r
		case OpGT:
			result = l > r
		case OpLTE:
			result = l <= r
		case OpLT:
			result = l < r
		}
	default:
		return false, api.NewConfigurationError("unsupported condition operator %q", c.Operator)
	}

	if c.Negate {
		return !result, nil
	}
	return result, nil
}

// resolveField turns a condition field into a string. References to step
// outputs that do not exist resolve to the empty string.
func resolveField(field string, rc api.RunContext) (string, error) {
	if !strings.HasPrefix(field, "steps.") {
		return field, nil
	}
	parts := strings.Split(strings.TrimPrefix(field, "steps."), ".")
	if len(parts) == 0 || parts[0] == "" {
		return "", api.NewConfigurationError("invalid step reference %q", field)
	}

	es, ok := rc.PriorSteps[parts[0]]
	if !ok || len(es.Output) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(es.Output, &v); err != nil {
		return "", fmt.Errorf("decode output of step %s: %w", parts[0], err)
	}
	for _, p := range parts[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return "", nil
		}
		v = m[p]
	}
	return stringify(v), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
