// Package conditions evaluates boolean expression trees against an execution
// context. Evaluation is pure and total: unresolvable fields and type
// mismatches degrade to the configured default instead of failing a run.
package conditions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

// Evaluator evaluates condition groups against a context map.
type Evaluator struct {
	// MissingFieldResult is returned when a referenced field cannot be
	// resolved. False by default, so a malformed workflow degrades to
	// "condition not met".
	MissingFieldResult bool
}

// NewEvaluator returns an evaluator with the default missing-field behavior.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate walks the expression tree. A nil group is vacuously true, as is a
// group with no conditions and no subgroups.
func (e *Evaluator) Evaluate(group *models.ConditionGroup, ctx map[string]any) bool {
	if group == nil {
		return true
	}

	results := make([]bool, 0, len(group.Conditions)+len(group.Groups))

	for _, cond := range group.Conditions {
		results = append(results, e.evaluateCondition(cond, ctx))
	}

	for _, sub := range group.Groups {
		results = append(results, e.Evaluate(sub, ctx))
	}

	if len(results) == 0 {
		return true
	}

	if group.Logic == models.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}

		return false
	}

	// AND is the default logic.
	for _, r := range results {
		if !r {
			return false
		}
	}

	return true
}

func (e *Evaluator) evaluateCondition(cond models.Condition, ctx map[string]any) bool {
	actual, found := resolveField(ctx, cond.Field)

	switch cond.Operator {
	case models.OperatorIsEmpty:
		return !found || isEmpty(actual)
	case models.OperatorIsNotEmpty:
		return found && !isEmpty(actual)
	}

	if !found {
		return e.MissingFieldResult
	}

	switch cond.Operator {
	case models.OperatorEquals:
		return looseEquals(actual, cond.Value)
	case models.OperatorNotEquals:
		return !looseEquals(actual, cond.Value)
	case models.OperatorGreaterThan:
		return compareNumeric(actual, cond.Value, func(a, b float64) bool { return a > b })
	case models.OperatorLessThan:
		return compareNumeric(actual, cond.Value, func(a, b float64) bool { return a < b })
	case models.OperatorGreaterEqual:
		return compareNumeric(actual, cond.Value, func(a, b float64) bool { return a >= b })
	case models.OperatorLessEqual:
		return compareNumeric(actual, cond.Value, func(a, b float64) bool { return a <= b })
	case models.OperatorContains:
		return stringPair(actual, cond.Value, strings.Contains)
	case models.OperatorStartsWith:
		return stringPair(actual, cond.Value, strings.HasPrefix)
	case models.OperatorEndsWith:
		return stringPair(actual, cond.Value, strings.HasSuffix)
	case models.OperatorIn:
		return containedIn(actual, cond.Value)
	case models.OperatorNotIn:
		return !containedIn(actual, cond.Value)
	default:
		return false
	}
}

// resolveField walks dotted paths ("order.amount") through nested maps.
func resolveField(ctx map[string]any, field string) (any, bool) {
	if ctx == nil || field == "" {
		return nil, false
	}

	parts := strings.Split(field, ".")
	var current any = ctx

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// asNumber coerces numeric types and numeric-looking strings.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}

		return parsed, true
	default:
		return 0, false
	}
}

func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	na, ok := asNumber(a)
	if !ok {
		return false
	}

	nb, ok := asNumber(b)
	if !ok {
		return false
	}

	return cmp(na, nb)
}

// looseEquals compares numerically when both sides coerce to numbers,
// otherwise by string form.
func looseEquals(a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
	}

	return stringify(a) == stringify(b)
}

func stringPair(a, b any, fn func(s, sub string) bool) bool {
	sa, ok := a.(string)
	if !ok {
		return false
	}

	sb, ok := b.(string)
	if !ok {
		return false
	}

	return fn(sa, sb)
}

func containedIn(actual, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}

	for _, item := range items {
		if looseEquals(actual, item) {
			return true
		}
	}

	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
