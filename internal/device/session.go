package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/abhs/internal/activity"
	"github.com/roach88/abhs/internal/ir"
)

// DefaultTimeout bounds every device request.
const DefaultTimeout = 30 * time.Second

// FailureHook is called once per failed call that belonged to the current
// session, after the session has been marked disconnected.
type FailureHook func(err error)

// Session is the single device session.
//
// Thread-safety: all methods are safe for concurrent use. The mutex only
// guards field access and is never held across a vendor call.
type Session struct {
	vendor  Vendor
	log     *activity.Log
	stats   *Stats
	ids     IDGenerator
	timeout time.Duration
	now     func() time.Time
	offset  func() int64

	connecting atomic.Bool

	mu         sync.Mutex
	connected  bool
	token      string // currentScriptToken
	playing    bool
	sessionID  string
	lastStatus *Status
	epoch      uint64
	onFailure  FailureHook
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithIDGenerator overrides the UUIDv7 session id generator.
func WithIDGenerator(g IDGenerator) SessionOption {
	return func(s *Session) {
		s.ids = g
	}
}

// WithNow overrides the clock used for latency measurement.
func WithNow(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a disconnected session.
func NewSession(vendor Vendor, log *activity.Log, opts ...SessionOption) *Session {
	s := &Session{
		vendor:  vendor,
		log:     log,
		stats:   &Stats{},
		ids:     UUIDv7Generator{},
		timeout: DefaultTimeout,
		now:     time.Now,
		offset:  func() int64 { return 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFailure registers the hook fired when a device call fails.
func (s *Session) OnFailure(hook FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = hook
}

// SetOffsetSource replaces the offset printed in device status lines.
func (s *Session) SetOffsetSource(offset func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
}

// Connect initializes the device with token.
//
// It is a no-op while connected (returning the last known status) or while
// another Connect is in flight (returning nil). On success the script token
// is cleared and the current device status is returned.
func (s *Session) Connect(ctx context.Context, token string) (*Status, error) {
	if !s.connecting.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer s.connecting.Store(false)

	if s.Connected() {
		return s.LastStatus(), nil
	}

	s.mu.Lock()
	s.token = ""
	s.playing = false
	epoch := s.epoch
	s.mu.Unlock()

	s.log.Add("Connecting to device with token:", maskToken(token))

	var info *Info
	err := s.call(ctx, epoch, KindConnect, "init", func(ctx context.Context) (*Status, error) {
		var err error
		info, err = s.vendor.Init(ctx, token)
		return nil, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil, ErrStaleResult
	}
	s.epoch++
	epoch = s.epoch
	s.connected = true
	s.sessionID = s.ids.Generate()
	sessionID := s.sessionID
	s.mu.Unlock()

	s.log.Add("Connected to device:", info.Cluster, "session", sessionID)

	var st *Status
	err = s.call(ctx, epoch, KindStatus, "state", func(ctx context.Context) (*Status, error) {
		var err error
		st, err = s.vendor.State(ctx)
		return st, err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// LoadScript uploads asset and makes its token the current script.
func (s *Session) LoadScript(ctx context.Context, asset ir.ScriptAsset) (*Status, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	epoch := s.epoch
	s.mu.Unlock()

	var st *Status
	err := s.call(ctx, epoch, KindUpload, "upload", func(ctx context.Context) (*Status, error) {
		var err error
		st, err = s.vendor.UploadScript(ctx, asset)
		return st, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, ErrStaleResult
	}
	s.token = st.SyncScriptToken
	s.playing = false
	return st, nil
}

// Start plays the current script from offsetMs. It is a no-op without a
// connected session or a loaded script.
func (s *Session) Start(ctx context.Context, offsetMs int64) (*Status, error) {
	s.mu.Lock()
	if !s.connected || s.token == "" {
		s.mu.Unlock()
		return nil, nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	var st *Status
	err := s.call(ctx, epoch, KindStart, "start", func(ctx context.Context) (*Status, error) {
		var err error
		st, err = s.vendor.Start(ctx, offsetMs)
		return st, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, ErrStaleResult
	}
	s.playing = true
	return st, nil
}

// Stop halts script playback.
//
// Without force it is a no-op unless the session is connected and the
// device was last seen playing. With force the stop is always attempted.
func (s *Session) Stop(ctx context.Context, force bool) (*Status, error) {
	s.mu.Lock()
	if !force && !(s.connected && s.playing) {
		s.mu.Unlock()
		return nil, nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	var st *Status
	err := s.call(ctx, epoch, KindStop, "stop", func(ctx context.Context) (*Status, error) {
		var err error
		st, err = s.vendor.Stop(ctx)
		return st, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.playing = false
	}
	return st, nil
}

// Status queries the device. It returns nil while disconnected.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	var st *Status
	err := s.call(ctx, epoch, KindStatus, "state", func(ctx context.Context) (*Status, error) {
		var err error
		st, err = s.vendor.State(ctx)
		return st, err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Disconnect attempts a forced stop, then resets the session whether or not
// the stop succeeded.
func (s *Session) Disconnect(ctx context.Context) (*Status, error) {
	st, err := s.Stop(ctx, true)

	s.mu.Lock()
	s.epoch++
	s.connected = false
	s.token = ""
	s.playing = false
	s.sessionID = ""
	s.lastStatus = nil
	s.mu.Unlock()

	return st, err
}

// UnloadScript forgets the current script token without talking to the
// device, so that Start becomes a no-op until the next LoadScript.
func (s *Session) UnloadScript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Connected reports whether the session is connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ScriptToken returns the token of the loaded script, empty if none.
func (s *Session) ScriptToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Playing reports whether the device was last seen playing.
func (s *Session) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// SessionID returns the id minted on the last successful Connect.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastStatus returns a copy of the most recent device status, or nil.
func (s *Session) LastStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStatus == nil {
		return nil
	}
	st := *s.lastStatus
	return &st
}

// Stats returns a copy of the latency counters.
func (s *Session) Stats() ResponseTimeStats {
	return s.stats.Snapshot()
}

// call runs fn under the session timeout and applies the shared result
// policy. fn may return a nil status for calls that do not report one.
//
// Cancellation of ctx does not reach the device: a caller that goes away
// mid-call must not tear down the session. Only the session timeout bounds fn.
func (s *Session) call(ctx context.Context, epoch uint64, kind Kind, op string, fn func(ctx context.Context) (*Status, error)) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := s.now()
	st, err := fn(cctx)
	s.stats.Record(kind, s.now().Sub(start))

	if err != nil {
		ce := &CallError{
			Op:      op,
			Kind:    kind,
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
		s.fail(epoch, ce)
		return ce
	}

	if st == nil {
		return nil
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	copied := *st
	s.lastStatus = &copied
	offset := s.offset
	s.mu.Unlock()

	s.log.Add(st.Describe(offset()))
	return nil
}

// fail marks the session disconnected if the failed call belongs to the
// current epoch. Failures from already-reset sessions are only logged.
func (s *Session) fail(epoch uint64, err *CallError) {
	s.mu.Lock()
	current := s.epoch == epoch
	if current {
		s.epoch++
		s.connected = false
		s.playing = false
	}
	hook := s.onFailure
	s.mu.Unlock()

	s.log.Add("Caught error", err.Op+":", err.Err)
	if current && hook != nil {
		hook(err)
	}
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
