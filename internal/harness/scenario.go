package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/abhs/internal/testutil"
)

// Scenario is an end-to-end synchronization test.
// It feeds player events and operator commands to an engine and asserts on
// the resulting device requests, activity log and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Offset is the initial start offset in milliseconds.
	Offset int64 `yaml:"offset,omitempty"`

	// UpdateInterval is the player's status period in seconds. Zero means
	// the engine default.
	UpdateInterval float64 `yaml:"update_interval,omitempty"`

	// SessionID is the id minted on every device connect.
	// If empty, defaults to "test-session".
	SessionID string `yaml:"session_id,omitempty"`

	// Scripts lists the video paths that have a funscript.
	Scripts []string `yaml:"scripts,omitempty"`

	// LookupErrors maps video paths to a resolution error message.
	LookupErrors map[string]string `yaml:"lookup_errors,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace, log and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step: exactly one of Event, Command or Fail.
type Step struct {
	Event *EventStep `yaml:"event,omitempty"`

	// Command is an operator command, one of the Cmd* constants.
	Command string `yaml:"command,omitempty"`

	// Offset is the new offset for set_offset.
	Offset *int64 `yaml:"offset,omitempty"`

	// ExpectError marks a command that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`

	Fail *FailStep `yaml:"fail,omitempty"`
}

// EventStep is a player timestamp.
type EventStep struct {
	Path        string   `yaml:"path"`
	CurrentTime float64  `yaml:"current_time"`
	State       int      `yaml:"state"`
	Speed       *float64 `yaml:"speed,omitempty"`
	Duration    float64  `yaml:"duration,omitempty"`
}

// FailStep makes the next device request for Op fail with Error.
type FailStep struct {
	Op    string `yaml:"op"`
	Error string `yaml:"error"`
}

// Operator commands.
const (
	CmdConnectDevice    = "connect_device"
	CmdDisconnectDevice = "disconnect_device"
	CmdSetOffset        = "set_offset"
	CmdSnapshot         = "snapshot"
)

// Assertion validates trace, log or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is "op" or "op arg" (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Actions is the expected request order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the exact number of occurrences (trace_count, log_contains).
	// For log_contains zero means "at least once".
	Count int `yaml:"count,omitempty"`

	// Text is a substring of a log line (log_contains).
	Text string `yaml:"text,omitempty"`

	// Expect contains expected FinalState fields by JSON name (final_state).
	// Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertLogContains   = "log_contains"
)

var vendorOps = map[string]bool{
	testutil.OpInit:   true,
	testutil.OpState:  true,
	testutil.OpUpload: true,
	testutil.OpStart:  true,
	testutil.OpStop:   true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.UpdateInterval < 0 {
		return fmt.Errorf("update_interval must be positive")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s *Step) error {
	kinds := 0
	if s.Event != nil {
		kinds++
	}
	if s.Command != "" {
		kinds++
	}
	if s.Fail != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of event, command or fail is required", index)
	}

	switch {
	case s.Event != nil:
		if s.Event.Path == "" {
			return fmt.Errorf("steps[%d]: event path is required", index)
		}
	case s.Fail != nil:
		if !vendorOps[s.Fail.Op] {
			return fmt.Errorf("steps[%d]: unknown device operation %q", index, s.Fail.Op)
		}
		if s.Fail.Error == "" {
			return fmt.Errorf("steps[%d]: fail error is required", index)
		}
	default:
		switch s.Command {
		case CmdConnectDevice, CmdDisconnectDevice, CmdSnapshot:
		case CmdSetOffset:
			if s.Offset == nil {
				return fmt.Errorf("steps[%d]: offset is required for set_offset", index)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown command %q", index, s.Command)
		}
	}

	if s.Offset != nil && s.Command != CmdSetOffset {
		return fmt.Errorf("steps[%d]: offset is only valid for set_offset", index)
	}
	if s.ExpectError && s.Command == "" {
		return fmt.Errorf("steps[%d]: expect_error is only valid for commands", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertLogContains:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for log_contains", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
