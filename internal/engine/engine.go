package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/roach88/abhs/internal/activity"
	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/feed"
	"github.com/roach88/abhs/internal/ir"
	"github.com/roach88/abhs/internal/script"
)

// DefaultUpdateInterval is the player's status period in seconds.
const DefaultUpdateInterval = 1.0

// Resolver finds the script for a video. (nil, nil) means "no script".
type Resolver interface {
	Resolve(ctx context.Context, path string) (*ir.ScriptAsset, error)
}

// Feed is the player connection the engine can (re)open on request.
type Feed interface {
	Connect(ctx context.Context) error
}

// Config holds the engine's tunables.
type Config struct {
	// DeviceToken is passed to the device on ConnectDevice.
	DeviceToken string

	// UpdateInterval defaults to DefaultUpdateInterval.
	UpdateInterval float64

	// OffsetMillis is the initial start offset.
	OffsetMillis int64
}

// SyncSession is a copy of the engine's synchronization state.
type SyncSession struct {
	LastTimestamp      ir.PlayerTimestamp `json:"lastTimestamp"`
	CurrentScriptToken string             `json:"currentScriptToken"`
	DeviceConnected    bool               `json:"deviceConnected"`
	FeedConnected      bool               `json:"feedConnected"`
	Busy               bool               `json:"busy"`
	NoScriptHandled    bool               `json:"noScriptHandled"`
	SessionID          string             `json:"sessionId,omitempty"`
}

// Snapshot is everything an operator view shows.
type Snapshot struct {
	DeviceConnected bool                     `json:"deviceConnected"`
	FeedConnected   bool                     `json:"feedConnected"`
	OffsetMillis    int64                    `json:"offset"`
	Message         string                   `json:"message"`
	Log             []activity.Entry         `json:"log"`
	ResponseTimes   device.ResponseTimeStats `json:"responseTimes"`
	Device          *device.Status           `json:"state"`
	Session         SyncSession              `json:"session"`
}

// Engine is the synchronization state machine.
//
// Thread-safety model:
//   - Handle(): called from the feed reader, one event at a time; events
//     arriving while a previous one is in flight are dropped
//   - all other methods: safe from any goroutine
type Engine struct {
	session  *device.Session
	resolver Resolver
	log      *activity.Log
	feed     Feed

	token    string
	interval float64
	offset   atomic.Int64
	busy     atomic.Bool
	epoch    Epoch

	mu              sync.Mutex
	last            ir.PlayerTimestamp
	feedConnected   bool
	noScriptHandled bool
	noScriptPath    string
	message         string
}

// New creates an engine driving session. It registers itself as the
// session's failure hook and status offset source.
func New(cfg Config, session *device.Session, resolver Resolver, log *activity.Log) *Engine {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	e := &Engine{
		session:  session,
		resolver: resolver,
		log:      log,
		token:    cfg.DeviceToken,
		interval: cfg.UpdateInterval,
		last:     ir.NullTimestamp(),
	}
	e.offset.Store(cfg.OffsetMillis)
	session.OnFailure(e.deviceFailed)
	session.SetOffsetSource(e.Offset)
	return e
}

// AttachFeed sets the feed opened by ConnectFeed.
func (e *Engine) AttachFeed(f Feed) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feed = f
}

// Offset returns the current start offset in milliseconds.
func (e *Engine) Offset() int64 {
	return e.offset.Load()
}

// Handle processes one player timestamp.
func (e *Engine) Handle(ctx context.Context, ts ir.PlayerTimestamp) {
	if !e.session.Connected() {
		return
	}
	if !e.busy.CompareAndSwap(false, true) {
		slog.Debug("timestamp dropped while busy", "path", ts.Path, "currentTime", ts.CurrentTime)
		return
	}
	defer e.busy.Store(false)

	e.mu.Lock()
	prior := e.last
	epoch := e.epoch.Current()
	e.mu.Unlock()

	action := Classify(prior, ts, e.interval)
	slog.Debug("timestamp classified", "action", action.String(), "path", ts.Path, "currentTime", ts.CurrentTime)

	switch action {
	case VideoChanged:
		e.log.Emphasize("New video:", ts.Path)
		e.changeVideo(ctx, ts, epoch)
	case StateChanged:
		e.log.Emphasize("New state:", ts.StateLabel())
		e.changeState(ctx, ts)
	case TimeDrifted:
		e.log.Emphasize("New time:", ts.CurrentTime)
		e.start(ctx, ts)
	case SpeedChanged:
		e.log.Add("New speed:", ts.PlaybackSpeed)
	}

	e.mu.Lock()
	if e.epoch.Current() == epoch {
		e.last = ts
	}
	e.mu.Unlock()
}

func (e *Engine) changeVideo(ctx context.Context, ts ir.PlayerTimestamp, epoch uint64) {
	e.mu.Lock()
	if e.noScriptPath != ts.Path {
		e.noScriptHandled = false
		e.noScriptPath = ""
	}
	e.mu.Unlock()

	asset, err := e.resolver.Resolve(ctx, ts.Path)
	if err != nil || asset == nil {
		e.noScript(ctx, ts, err, epoch)
		return
	}

	e.mu.Lock()
	e.noScriptHandled = false
	e.noScriptPath = ""
	e.mu.Unlock()

	e.log.Add("Loading funscript from:", asset.Location)
	if _, err := e.session.LoadScript(ctx, *asset); err != nil {
		return
	}
	e.changeState(ctx, ts)
}

// noScript stops the device and forgets the previous script so that it is
// never played against the wrong video. It logs once per video; the guard is
// not recorded if the session was reset while the stop was in flight.
func (e *Engine) noScript(ctx context.Context, ts ir.PlayerTimestamp, err error, epoch uint64) {
	e.session.UnloadScript()

	e.mu.Lock()
	handled := e.noScriptHandled && e.noScriptPath == ts.Path
	e.mu.Unlock()
	if handled {
		return
	}

	switch {
	case err == nil:
		e.log.Add(ts.Path, "has no corresponding funscript")
	case script.IsUnreachable(err):
		e.log.Add("Script catalog unreachable for", ts.Path+":", err)
	default:
		e.log.Add("Script lookup failed for", ts.Path+":", err)
	}

	_, _ = e.session.Stop(ctx, false)

	e.mu.Lock()
	if e.epoch.Current() == epoch {
		e.noScriptHandled = true
		e.noScriptPath = ts.Path
	}
	e.mu.Unlock()
}

// changeState starts or stops the loaded script to match ts.
func (e *Engine) changeState(ctx context.Context, ts ir.PlayerTimestamp) {
	if e.session.ScriptToken() == "" {
		return
	}
	if ts.Playing() {
		e.start(ctx, ts)
		return
	}
	if e.session.Connected() {
		_, _ = e.session.Stop(ctx, true)
	}
}

func (e *Engine) start(ctx context.Context, ts ir.PlayerTimestamp) {
	_, _ = e.session.Start(ctx, ts.OffsetMillis(e.Offset()))
}

// deviceFailed runs after the session marked itself disconnected.
func (e *Engine) deviceFailed(err error) {
	e.mu.Lock()
	e.epoch.Next()
	e.last = ir.NullTimestamp()
	e.message = "Lost connection to Autoblow device"
	e.mu.Unlock()

	slog.Warn("device call failed", "error", err, "timeout", device.IsTimeout(err))
}

// SetOffset changes the start offset. It applies from the next start.
func (e *Engine) SetOffset(ms int64) {
	e.offset.Store(ms)
	e.setMessage("Offset updated")
	e.log.Add("Offset set to", strconv.FormatInt(ms, 10)+"ms")
}

// ConnectFeed opens the player feed once. It does not retry.
func (e *Engine) ConnectFeed(ctx context.Context) error {
	e.mu.Lock()
	f := e.feed
	e.mu.Unlock()

	if f == nil {
		msg := "No HereSphere feed configured"
		e.setMessage(msg)
		return &CommandError{Code: ErrCodeNoFeed, Message: msg}
	}

	if err := f.Connect(ctx); err != nil {
		reason := err.Error()
		var ce *feed.ConnectError
		if errors.As(err, &ce) {
			reason = ce.Reason()
		}
		msg := reason + ": Is the HereSphere server running?"

		e.mu.Lock()
		e.feedConnected = false
		e.message = msg
		e.mu.Unlock()

		e.log.Add("Error:", reason)
		e.log.Add(msg)
		return &CommandError{Code: ErrCodeFeedUnavailable, Message: msg, Err: err}
	}

	e.mu.Lock()
	already := e.feedConnected
	e.feedConnected = true
	e.message = "Connected to HereSphere"
	e.mu.Unlock()

	if !already {
		e.log.Add("Connected to HereSphere")
	}
	return nil
}

// FeedClosed is the feed's close callback.
func (e *Engine) FeedClosed(err error) {
	e.mu.Lock()
	e.feedConnected = false
	e.mu.Unlock()

	if err != nil {
		e.log.Add("Connection to HereSphere closed:", err)
		return
	}
	e.log.Add("Connection to HereSphere closed")
}

// FeedError is the feed's per-frame error callback.
func (e *Engine) FeedError(err error) {
	e.log.Add("Ignored malformed timestamp:", err)
}

// ConnectDevice connects the device session.
//
// A connect that is already in flight, or a session that is already
// connected, is not an error.
func (e *Engine) ConnectDevice(ctx context.Context) (*device.Status, error) {
	st, err := e.session.Connect(ctx, e.token)
	if err != nil {
		msg := "Error connecting to Autoblow device"
		e.setMessage(msg)
		return nil, &CommandError{Code: ErrCodeDeviceUnavailable, Message: msg, Err: err}
	}
	if st != nil {
		e.setMessage("Connected to Autoblow device")
	}
	return st, nil
}

// DisconnectDevice stops the device and resets the synchronization state,
// whether or not the stop succeeded.
func (e *Engine) DisconnectDevice(ctx context.Context) (*device.Status, error) {
	st, err := e.session.Disconnect(ctx)

	e.mu.Lock()
	e.epoch.Next()
	e.last = ir.NullTimestamp()
	e.noScriptHandled = false
	e.noScriptPath = ""
	e.message = "Disconnected from Autoblow device"
	e.mu.Unlock()

	e.log.Add("Disconnected from device")
	return st, err
}

// Session returns a copy of the synchronization state.
func (e *Engine) Session() SyncSession {
	e.mu.Lock()
	s := SyncSession{
		LastTimestamp:   e.last,
		FeedConnected:   e.feedConnected,
		NoScriptHandled: e.noScriptHandled,
	}
	e.mu.Unlock()

	s.CurrentScriptToken = e.session.ScriptToken()
	s.DeviceConnected = e.session.Connected()
	s.SessionID = e.session.SessionID()
	s.Busy = e.busy.Load()
	return s
}

// Snapshot assembles the operator view. When the device is connected its
// live status is fetched first; a failure there follows the usual device
// failure path. The pending message is returned once and then cleared.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	var st *device.Status
	if e.session.Connected() {
		st, _ = e.session.Status(ctx)
	}

	return e.view(st, e.TakeMessage())
}

// TakeMessage returns the pending operator message and clears it.
func (e *Engine) TakeMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := e.message
	e.message = ""
	return msg
}

// Peek is Snapshot without side effects: no device request, the last known
// device status, and the pending message left in place.
func (e *Engine) Peek() Snapshot {
	e.mu.Lock()
	msg := e.message
	e.mu.Unlock()

	var st *device.Status
	if e.session.Connected() {
		st = e.session.LastStatus()
	}
	return e.view(st, msg)
}

func (e *Engine) view(st *device.Status, msg string) Snapshot {
	sess := e.Session()
	return Snapshot{
		DeviceConnected: sess.DeviceConnected,
		FeedConnected:   sess.FeedConnected,
		OffsetMillis:    e.Offset(),
		Message:         msg,
		Log:             e.log.Entries(),
		ResponseTimes:   e.session.Stats(),
		Device:          st,
		Session:         sess,
	}
}

func (e *Engine) setMessage(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = msg
}
