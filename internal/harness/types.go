package harness

import "github.com/roach88/abhs/internal/testutil"

// TraceEvent is one device request.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Step int    `json:"step"`
	Op   string `json:"op"`
	Arg  string `json:"arg,omitempty"`
}

// String renders the request as "op" or "op arg".
func (e TraceEvent) String() string {
	return testutil.Call{Op: e.Op, Arg: e.Arg}.String()
}

// matches reports whether action names this request.
func (e TraceEvent) matches(action string) bool {
	return action == e.Op || action == e.String()
}

// LogLine is one activity log entry, oldest first in Result.Log.
type LogLine struct {
	Text     string `json:"text"`
	Emphasis bool   `json:"emphasis,omitempty"`
}

// FinalState is the synchronization state after the last step.
type FinalState struct {
	DeviceConnected bool   `json:"device_connected"`
	FeedConnected   bool   `json:"feed_connected"`
	LastPath        string `json:"last_path"`
	LastState       int    `json:"last_state"`
	ScriptToken     string `json:"script_token"`
	NoScriptHandled bool   `json:"no_script_handled"`
	Offset          int64  `json:"offset"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every device request in order.
	Trace []TraceEvent `json:"trace"`

	Log []LogLine `json:"log"`

	State FinalState `json:"state"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Log:    []LogLine{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCall appends a device request made during step.
func (r *Result) AddCall(step int, call testutil.Call) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:  len(r.Trace) + 1,
		Step: step,
		Op:   call.Op,
		Arg:  call.Arg,
	})
}
