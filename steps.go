package flowline

import "fmt"

// StepField references a value in the output of an earlier step, for use as
// a condition field. Nested keys are separated by dots.
//
//	flowline.StepField("trigger", "customer.email") // "steps.trigger.customer.email"
func StepField(stepID, path string) string {
	if path == "" {
		return "steps." + stepID
	}
	return "steps." + stepID + "." + path
}

// When builds a condition comparing field against value with op.
func When(field string, op Operator, value any) Condition {
	return Condition{Field: field, Operator: op, Value: formatValue(value)}
}

// WhenNot is When with the result negated.
func WhenNot(c Condition) Condition {
	c.Negate = !c.Negate
	return c
}

// IsEmpty holds when field resolves to an empty or blank value.
func IsEmpty(field string) Condition {
	return Condition{Field: field, Operator: OpIsEmpty}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
