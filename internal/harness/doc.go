// Package harness runs scripted end-to-end scenarios against the engine.
//
// A scenario drives a real engine, device session and activity log wired to
// in-memory fakes (testutil.RecordingVendor, testutil.FakeResolver) and
// checks the device requests that came out.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: play_pause
//	description: "Playing then pausing starts then stops the device"
//	scripts: [a.mp4]
//	steps:
//	  - command: connect_device
//	  - event: { path: a.mp4, current_time: 10, state: 0 }
//	  - fail: { op: start, error: "cloud unavailable" }
//	  - command: set_offset
//	    offset: 150
//	assertions:
//	  - type: trace_order
//	    actions: ["upload a.mp4", "start 10000"]
//	  - type: final_state
//	    expect: { device_connected: true, last_path: a.mp4 }
//
// Each step is exactly one of an event, a command or a failure injection.
// Failures apply to the next request of the named operation.
//
// # Assertion Types
//
//   - trace_contains: a device request appears in the trace
//   - trace_order: device requests appear in the given order
//   - trace_count: a device request appears exactly N times
//   - final_state: fields of the final synchronization state
//   - log_contains: an activity log line contains text (optionally N times)
//
// An action in a trace assertion matches a request either by operation
// ("start") or by operation and argument ("start 10000").
//
// # Deterministic Testing
//
// Session ids are fixed and the clock advances one millisecond per reading,
// so a scenario produces the same trace and log on every run. RunWithGolden
// compares both with testdata/golden/<name>.golden.
package harness
