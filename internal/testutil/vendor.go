package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/ir"
)

// Vendor operation names recorded by RecordingVendor.
const (
	OpInit   = "init"
	OpState  = "state"
	OpUpload = "upload"
	OpStart  = "start"
	OpStop   = "stop"
)

// Call is one recorded vendor request.
type Call struct {
	Op  string `json:"op" yaml:"op"`
	Arg string `json:"arg,omitempty" yaml:"arg,omitempty"`
}

// String renders the call as "op" or "op arg".
func (c Call) String() string {
	if c.Arg == "" {
		return c.Op
	}
	return c.Op + " " + c.Arg
}

// RecordingVendor is an in-memory device.Vendor that records every request.
//
// Uploaded scripts receive tokens "script-1", "script-2", ... in upload
// order. Failures are injected per operation with FailNext.
//
// Thread-safety: All methods are safe for concurrent use.
type RecordingVendor struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string][]error
	uploads  int
	token    string
	playing  bool
	position int64

	// Hook, if set, runs inside every request before it completes. Tests
	// use it to block a call or to trigger concurrent actions mid-flight.
	Hook func(ctx context.Context, op string) error
}

// NewRecordingVendor creates an empty recorder.
func NewRecordingVendor() *RecordingVendor {
	return &RecordingVendor{failures: make(map[string][]error)}
}

// FailNext makes the next request for op return err.
func (v *RecordingVendor) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], err)
}

// Calls returns a copy of the recorded requests, oldest first.
func (v *RecordingVendor) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Call, len(v.calls))
	copy(out, v.calls)
	return out
}

// Count returns how many requests for op were recorded.
func (v *RecordingVendor) Count(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps device state.
func (v *RecordingVendor) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = nil
}

func (v *RecordingVendor) record(ctx context.Context, op, arg string) error {
	v.mu.Lock()
	v.calls = append(v.calls, Call{Op: op, Arg: arg})
	var err error
	if queued := v.failures[op]; len(queued) > 0 {
		err = queued[0]
		v.failures[op] = queued[1:]
	}
	hook := v.Hook
	v.mu.Unlock()

	if hook != nil {
		if hookErr := hook(ctx, op); hookErr != nil {
			return hookErr
		}
	}
	return err
}

func (v *RecordingVendor) status() *device.Status {
	mode := "SYNC_SCRIPT_STOPPED"
	if v.playing {
		mode = "SYNC_SCRIPT_PLAYING"
	}
	return &device.Status{
		OperationalMode:       mode,
		SyncScriptToken:       v.token,
		SyncScriptCurrentTime: float64(v.position),
	}
}

func (v *RecordingVendor) Init(ctx context.Context, token string) (*device.Info, error) {
	if err := v.record(ctx, OpInit, ""); err != nil {
		return nil, err
	}
	return &device.Info{Connected: true, Cluster: "test-cluster"}, nil
}

func (v *RecordingVendor) State(ctx context.Context) (*device.Status, error) {
	if err := v.record(ctx, OpState, ""); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status(), nil
}

func (v *RecordingVendor) UploadScript(ctx context.Context, asset ir.ScriptAsset) (*device.Status, error) {
	if err := v.record(ctx, OpUpload, asset.Name); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uploads++
	v.token = fmt.Sprintf("script-%d", v.uploads)
	v.playing = false
	v.position = 0
	return v.status(), nil
}

func (v *RecordingVendor) Start(ctx context.Context, offsetMs int64) (*device.Status, error) {
	if err := v.record(ctx, OpStart, strconv.FormatInt(offsetMs, 10)); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = true
	v.position = offsetMs
	return v.status(), nil
}

func (v *RecordingVendor) Stop(ctx context.Context) (*device.Status, error) {
	if err := v.record(ctx, OpStop, ""); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
	return v.status(), nil
}
