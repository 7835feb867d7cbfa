package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d: %s\n", event.Seq, event.Step, event.String())
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains a request matching the
// action.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.matches(assertion.Action) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("request %q", assertion.Action),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive. Each action is matched at or after
// the position following the previous match, so repeated actions are
// matched to distinct requests.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	prev := ""
	for _, action := range assertion.Actions {
		found := -1
		for i := pos; i < len(trace); i++ {
			if trace[i].matches(action) {
				found = i
				break
			}
		}
		if found < 0 {
			actual := fmt.Sprintf("missing request: %s", action)
			if prev != "" {
				actual = fmt.Sprintf("no %s after %s (pos %d)", action, prev, pos)
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("requests in order: %v", assertion.Actions),
				Actual:   actual,
				Trace:    trace,
			}
		}
		pos = found + 1
		prev = action
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.matches(assertion.Action) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertLogContains checks the activity log for lines containing Text.
func assertLogContains(log []LogLine, assertion Assertion) error {
	count := 0
	for _, line := range log {
		if strings.Contains(line.Text, assertion.Text) {
			count++
		}
	}

	switch {
	case assertion.Count == 0 && count > 0:
		return nil
	case assertion.Count == count:
		return nil
	}

	expected := fmt.Sprintf("a log line containing %q", assertion.Text)
	if assertion.Count > 0 {
		expected = fmt.Sprintf("%d log lines containing %q", assertion.Count, assertion.Text)
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: expected,
		Actual:   fmt.Sprintf("%d matching lines", count),
	}
}

// assertFinalState checks FinalState fields by JSON name (subset semantics).
func assertFinalState(state FinalState, assertion Assertion) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal final state: %w", err)
	}
	var actual map[string]any
	if err := json.Unmarshal(data, &actual); err != nil {
		return fmt.Errorf("unmarshal final state: %w", err)
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in final state", key),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// stateValuesEqual compares a YAML-decoded expectation with a JSON-decoded
// value. JSON numbers are always float64.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case int:
		f, ok := actual.(float64)
		return ok && float64(exp) == f
	case int64:
		f, ok := actual.(float64)
		return ok && float64(exp) == f
	case float64:
		f, ok := actual.(float64)
		return ok && exp == f
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case bool:
		b, ok := actual.(bool)
		return ok && exp == b
	}

	return reflect.DeepEqual(expected, actual)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertLogContains:
			err = assertLogContains(result.Log, assertion)
		case AssertFinalState:
			err = assertFinalState(result.State, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
