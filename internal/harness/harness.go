package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/abhs/internal/activity"
	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/engine"
	"github.com/roach88/abhs/internal/ir"
	"github.com/roach88/abhs/internal/testutil"
)

// DeviceToken is the token every scenario connects with.
const DeviceToken = "test-token"

// scenarioScript is the funscript served for every path in Scenario.Scripts.
var scenarioScript = []byte(`{"actions":[{"at":0,"pos":0},{"at":1000,"pos":100}]}`)

// epoch is the fixed start of the scenario clock.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds one scenario run.
type Harness struct {
	vendor   *testutil.RecordingVendor
	resolver *testutil.FakeResolver
	log      *activity.Log
	engine   *engine.Engine

	// seen is the number of vendor calls already attributed to a step.
	seen int
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh engine, device session and activity log.
// Execution flow:
//  1. Register scripts and lookup errors with the fake resolver
//  2. Run steps in order, attributing device requests to each step
//  3. Capture the activity log and final state
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	if scenario == nil {
		return nil, errors.New("nil scenario")
	}

	h := newHarness(scenario)
	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		h.collect(i+1, result)
	}

	result.Log = h.logLines()
	result.State = h.finalState()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) *Harness {
	clock := testutil.NewManualClock(epoch, time.Millisecond)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := testutil.NewFakeResolver()
	for _, path := range scenario.Scripts {
		resolver.Add(path, scenarioScript)
	}
	for path, msg := range scenario.LookupErrors {
		resolver.Fail(path, errors.New(msg))
	}

	vendor := testutil.NewRecordingVendor()
	log := activity.New(activity.WithClock(clock.Now), activity.WithLogger(quiet))
	session := device.NewSession(vendor, log,
		device.WithIDGenerator(testutil.NewFixedIDGenerator(scenario.SessionID)),
		device.WithNow(clock.Now),
	)
	eng := engine.New(engine.Config{
		DeviceToken:    DeviceToken,
		UpdateInterval: scenario.UpdateInterval,
		OffsetMillis:   scenario.Offset,
	}, session, resolver, log)

	return &Harness{
		vendor:   vendor,
		resolver: resolver,
		log:      log,
		engine:   eng,
	}
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Event != nil:
		h.engine.Handle(ctx, step.Event.timestamp())
		return nil
	case step.Fail != nil:
		h.vendor.FailNext(step.Fail.Op, errors.New(step.Fail.Error))
		return nil
	}

	var err error
	switch step.Command {
	case CmdConnectDevice:
		_, err = h.engine.ConnectDevice(ctx)
	case CmdDisconnectDevice:
		_, err = h.engine.DisconnectDevice(ctx)
	case CmdSetOffset:
		h.engine.SetOffset(*step.Offset)
	case CmdSnapshot:
		h.engine.Snapshot(ctx)
	default:
		return fmt.Errorf("unknown command %q", step.Command)
	}

	switch {
	case err != nil && !step.ExpectError:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", step.Command, err))
	case err == nil && step.ExpectError:
		result.AddError(fmt.Sprintf("%s: expected an error", step.Command))
	}
	return nil
}

// collect appends the vendor calls made since the previous step.
func (h *Harness) collect(step int, result *Result) {
	calls := h.vendor.Calls()
	for _, call := range calls[h.seen:] {
		result.AddCall(step, call)
	}
	h.seen = len(calls)
}

func (h *Harness) logLines() []LogLine {
	entries := h.log.Entries()
	lines := make([]LogLine, len(entries))
	for i, e := range entries {
		lines[len(entries)-1-i] = LogLine{Text: e.Text, Emphasis: e.Emphasis}
	}
	return lines
}

func (h *Harness) finalState() FinalState {
	sess := h.engine.Session()
	return FinalState{
		DeviceConnected: sess.DeviceConnected,
		FeedConnected:   sess.FeedConnected,
		LastPath:        sess.LastTimestamp.Path,
		LastState:       sess.LastTimestamp.PlayerState,
		ScriptToken:     sess.CurrentScriptToken,
		NoScriptHandled: sess.NoScriptHandled,
		Offset:          h.engine.Offset(),
	}
}

func (e *EventStep) timestamp() ir.PlayerTimestamp {
	speed := 1.0
	if e.Speed != nil {
		speed = *e.Speed
	}
	return ir.PlayerTimestamp{
		Path:          e.Path,
		Duration:      e.Duration,
		CurrentTime:   e.CurrentTime,
		PlaybackSpeed: speed,
		PlayerState:   e.State,
	}
}
