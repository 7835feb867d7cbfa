package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/abhs/internal/activity"
	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/feed"
	"github.com/roach88/abhs/internal/ir"
	"github.com/roach88/abhs/internal/script"
	"github.com/roach88/abhs/internal/testutil"
)

const testScript = `{"actions":[{"at":0,"pos":0},{"at":1000,"pos":100}]}`

type fixture struct {
	eng      *Engine
	session  *device.Session
	vendor   *testutil.RecordingVendor
	resolver *testutil.FakeResolver
	log      *activity.Log
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	vendor := testutil.NewRecordingVendor()
	log := activity.New(activity.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	session := device.NewSession(vendor, log, device.WithIDGenerator(testutil.NewFixedIDGenerator("")))
	resolver := testutil.NewFakeResolver()
	if cfg.DeviceToken == "" {
		cfg.DeviceToken = "test-token"
	}
	return &fixture{
		eng:      New(cfg, session, resolver, log),
		session:  session,
		vendor:   vendor,
		resolver: resolver,
		log:      log,
	}
}

// connect connects the device and forgets the connect traffic.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.eng.ConnectDevice(context.Background())
	require.NoError(t, err)
	require.True(t, f.session.Connected())
	f.vendor.Reset()
}

func (f *fixture) handle(events ...ir.PlayerTimestamp) {
	for _, ts := range events {
		f.eng.Handle(context.Background(), ts)
	}
}

func (f *fixture) ops() []string {
	var out []string
	for _, c := range f.vendor.Calls() {
		out = append(out, c.String())
	}
	return out
}

// countLog counts entries containing substr.
func (f *fixture) countLog(substr string) int {
	n := 0
	for _, e := range f.log.Entries() {
		if strings.Contains(e.Text, substr) {
			n++
		}
	}
	return n
}

func (f *fixture) findLog(t *testing.T, substr string) activity.Entry {
	t.Helper()
	for _, e := range f.log.Entries() {
		if strings.Contains(e.Text, substr) {
			return e
		}
	}
	t.Fatalf("no log entry containing %q", substr)
	return activity.Entry{}
}

const (
	playing = ir.PlayerStatePlaying
	paused  = 1
)

func TestEngine_New(t *testing.T) {
	f := newFixture(t, Config{})

	sess := f.eng.Session()
	assert.True(t, sess.LastTimestamp.IsNull())
	assert.False(t, sess.DeviceConnected)
	assert.False(t, sess.FeedConnected)
	assert.False(t, sess.Busy)
	assert.False(t, sess.NoScriptHandled)
	assert.Empty(t, sess.CurrentScriptToken)
	assert.Equal(t, DefaultUpdateInterval, f.eng.interval)
}

func TestHandle_DroppedWhileDeviceDisconnected(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))

	f.handle(stamp("a.mp4", 10, playing))

	assert.Empty(t, f.resolver.Calls())
	assert.Empty(t, f.vendor.Calls())
	assert.True(t, f.eng.Session().LastTimestamp.IsNull())
}

func TestHandle_PlayThenPause(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	first := stamp("a.mp4", 10, playing)
	second := stamp("a.mp4", 11, paused)
	f.handle(first, second)

	assert.Equal(t, []string{"upload a.mp4", "start 10000", "stop"}, f.ops())
	assert.Equal(t, second, f.eng.Session().LastTimestamp)
	assert.Equal(t, "script-1", f.eng.Session().CurrentScriptToken)

	video := f.findLog(t, "New video: a.mp4")
	assert.True(t, video.Emphasis)
	state := f.findLog(t, "New state: Paused")
	assert.True(t, state.Emphasis)
	assert.Equal(t, 1, f.countLog("Loading funscript from: a.mp4"))
}

func TestHandle_LoadWhilePausedStops(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 30, paused))

	assert.Equal(t, []string{"upload a.mp4", "stop"}, f.ops())
}

func TestHandle_SteadyStateIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 10, playing))
	calls := f.ops()
	logLen := f.log.Len()

	for i := 1; i <= 5; i++ {
		f.handle(stamp("a.mp4", 10+float64(i), playing))
	}

	assert.Equal(t, calls, f.ops())
	assert.Equal(t, logLen, f.log.Len())
	assert.Equal(t, []string{"a.mp4"}, f.resolver.Calls())
}

func TestHandle_VideoChangeResolvesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.resolver.Add("b.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 10, playing))
	f.vendor.Reset()

	f.handle(stamp("b.mp4", 0, playing), stamp("b.mp4", 1, playing))

	assert.Equal(t, []string{"a.mp4", "b.mp4"}, f.resolver.Calls())
	assert.Equal(t, 1, f.vendor.Count(testutil.OpUpload))
	assert.Equal(t, 1, f.vendor.Count(testutil.OpStart))
	assert.Equal(t, "script-2", f.eng.Session().CurrentScriptToken)
}

func TestHandle_NoScriptLoggedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)

	f.handle(
		stamp("b.mp4", 0, playing),
		stamp("b.mp4", 1, playing),
		stamp("b.mp4", 2, paused),
		stamp("b.mp4", 3, playing),
	)

	assert.Equal(t, 1, f.countLog("b.mp4 has no corresponding funscript"))
	assert.Zero(t, f.vendor.Count(testutil.OpStart))
	assert.True(t, f.eng.Session().NoScriptHandled)
}

func TestHandle_NoScriptLoggedOnceAcrossReconnect(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)

	f.handle(stamp("b.mp4", 0, playing))

	// Force a failure so the next event is classified VideoChanged again.
	f.vendor.FailNext(testutil.OpState, errors.New("offline"))
	f.eng.Snapshot(context.Background())
	require.False(t, f.session.Connected())
	f.connect(t)

	f.handle(stamp("b.mp4", 5, playing))

	assert.Equal(t, []string{"b.mp4", "b.mp4"}, f.resolver.Calls())
	assert.Equal(t, 1, f.countLog("has no corresponding funscript"))
}

func TestHandle_NoScriptStopsPreviousScript(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 10, playing))
	f.vendor.Reset()

	f.handle(
		stamp("b.mp4", 0, playing),
		stamp("b.mp4", 1, paused),
		stamp("b.mp4", 2, playing),
		stamp("b.mp4", 30, playing),
	)

	// The device is stopped once and a's script is never restarted.
	assert.Equal(t, []string{"stop"}, f.ops())
	assert.Empty(t, f.eng.Session().CurrentScriptToken)
}

func TestHandle_ResolutionErrorsAreDistinguishable(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Fail("c.mp4", &script.CatalogError{Op: "scene", URL: "http://xbvr/heresphere/1", StatusCode: 500})
	f.resolver.Fail("d.mp4", &script.CatalogError{Op: "scene", URL: "http://xbvr/heresphere/2", Err: errors.New("connection refused")})
	f.connect(t)

	f.handle(stamp("c.mp4", 0, playing), stamp("d.mp4", 0, playing))

	assert.Equal(t, 1, f.countLog("Script lookup failed for c.mp4:"))
	assert.Equal(t, 1, f.countLog("Script catalog unreachable for d.mp4:"))
	assert.Zero(t, f.countLog("has no corresponding funscript"))
	assert.Zero(t, f.vendor.Count(testutil.OpUpload))
}

func TestHandle_TimeDriftRestarts(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 10, playing), stamp("a.mp4", 11, playing), stamp("a.mp4", 45, playing))

	assert.Equal(t, []string{"upload a.mp4", "start 10000", "start 45000"}, f.ops())
	drift := f.findLog(t, "New time: 45")
	assert.True(t, drift.Emphasis)
}

func TestHandle_SpeedChangeLogsOnly(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.handle(stamp("a.mp4", 10, playing))
	f.vendor.Reset()

	fast := stamp("a.mp4", 11, playing)
	fast.PlaybackSpeed = 2
	f.handle(fast)

	assert.Empty(t, f.vendor.Calls())
	entry := f.findLog(t, "New speed: 2")
	assert.False(t, entry.Emphasis)
}

func TestHandle_OffsetAppliesToStart(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.eng.SetOffset(150)
	f.handle(stamp("a.mp4", 12.3456, playing))

	assert.Equal(t, []string{"upload a.mp4", "start 12496"}, f.ops())
	assert.Equal(t, 2, f.countLog("with offset: 150ms"), "upload and start status lines")
}

func TestHandle_DeviceFailureResetsState(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	f.vendor.FailNext(testutil.OpStart, errors.New("boom"))
	f.handle(stamp("a.mp4", 10, playing))

	sess := f.eng.Session()
	assert.False(t, sess.DeviceConnected)
	assert.True(t, sess.LastTimestamp.IsNull())
	assert.False(t, sess.Busy)
	assert.Equal(t, 1, f.countLog("Caught error start:"))

	// Events are ignored until the device is back.
	f.handle(stamp("a.mp4", 11, playing))
	assert.Equal(t, []string{"a.mp4"}, f.resolver.Calls())

	f.connect(t)
	f.handle(stamp("a.mp4", 12, playing))

	assert.Equal(t, []string{"a.mp4", "a.mp4"}, f.resolver.Calls())
	assert.Equal(t, []string{"upload a.mp4", "start 12000"}, f.ops())
}

func TestHandle_DroppedWhileBusy(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.vendor.Hook = func(ctx context.Context, op string) error {
		if op == testutil.OpUpload {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handle(stamp("a.mp4", 10, playing))
	}()

	<-entered
	assert.True(t, f.eng.Session().Busy)
	f.handle(stamp("b.mp4", 0, playing))
	close(release)
	<-done

	assert.Equal(t, []string{"a.mp4"}, f.resolver.Calls())
	assert.Equal(t, "a.mp4", f.eng.Session().LastTimestamp.Path)
	assert.False(t, f.eng.Session().Busy)
}

func TestHandle_StaleEventDoesNotOverwriteReset(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)

	var once sync.Once
	f.vendor.Hook = func(ctx context.Context, op string) error {
		if op == testutil.OpUpload {
			once.Do(func() {
				_, _ = f.eng.DisconnectDevice(ctx)
			})
		}
		return nil
	}

	f.handle(stamp("a.mp4", 10, playing))

	sess := f.eng.Session()
	assert.True(t, sess.LastTimestamp.IsNull())
	assert.False(t, sess.DeviceConnected)
	assert.Empty(t, sess.CurrentScriptToken)
	assert.Zero(t, f.vendor.Count(testutil.OpStart))
}

func TestHandle_NoScriptGuardNotRecordedAfterReset(t *testing.T) {
	f := newFixture(t, Config{})
	f.resolver.Add("a.mp4", []byte(testScript))
	f.connect(t)
	f.handle(stamp("a.mp4", 10, playing))
	require.True(t, f.session.Playing())

	var fired atomic.Bool
	f.vendor.Hook = func(ctx context.Context, op string) error {
		if op == testutil.OpStop && fired.CompareAndSwap(false, true) {
			_, _ = f.eng.DisconnectDevice(ctx)
		}
		return nil
	}

	f.handle(stamp("b.mp4", 11, playing))

	sess := f.eng.Session()
	assert.False(t, sess.NoScriptHandled)
	assert.False(t, sess.DeviceConnected)
	assert.True(t, sess.LastTimestamp.IsNull())
}

func TestSnapshot_ConsumesMessage(t *testing.T) {
	f := newFixture(t, Config{})
	f.eng.SetOffset(-200)

	snap := f.eng.Snapshot(context.Background())
	assert.Equal(t, "Offset updated", snap.Message)
	assert.Equal(t, int64(-200), snap.OffsetMillis)
	assert.Nil(t, snap.Device)

	snap = f.eng.Snapshot(context.Background())
	assert.Empty(t, snap.Message)
}

func TestSnapshot_FetchesDeviceStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)
	before := f.session.Stats().Status.Count

	snap := f.eng.Snapshot(context.Background())

	require.NotNil(t, snap.Device)
	assert.True(t, snap.DeviceConnected)
	assert.Equal(t, "Connected to Autoblow device", snap.Message)
	assert.Equal(t, before+1, snap.ResponseTimes.Status.Count)
	assert.Equal(t, "test-session", snap.Session.SessionID)
	require.NotEmpty(t, snap.Log)
	assert.Contains(t, snap.Log[0].Text, "Autoblow syncScriptToken:")
}

func TestSnapshot_CancelledRequestKeepsDevice(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)
	f.handle(stamp("a.mp4", 10, paused))
	f.vendor.Hook = func(ctx context.Context, op string) error {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := f.eng.Snapshot(ctx)

	assert.True(t, snap.DeviceConnected)
	assert.NotNil(t, snap.Device)
	assert.Equal(t, "a.mp4", snap.Session.LastTimestamp.Path)
}

func TestSnapshot_StatusFailureDisconnects(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)
	f.vendor.FailNext(testutil.OpState, errors.New("offline"))

	snap := f.eng.Snapshot(context.Background())

	assert.Nil(t, snap.Device)
	assert.False(t, snap.DeviceConnected)
	assert.Equal(t, "Lost connection to Autoblow device", snap.Message)
	assert.True(t, snap.Session.LastTimestamp.IsNull())
}

func TestConnectDevice_Failure(t *testing.T) {
	f := newFixture(t, Config{})
	f.vendor.FailNext(testutil.OpInit, errors.New("bad token"))

	_, err := f.eng.ConnectDevice(context.Background())

	require.Error(t, err)
	assert.True(t, IsDeviceError(err))
	assert.False(t, f.session.Connected())
	assert.Equal(t, "Error connecting to Autoblow device", f.eng.Snapshot(context.Background()).Message)
}

func TestDisconnectDevice_Resets(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)
	f.handle(stamp("b.mp4", 0, playing))
	require.True(t, f.eng.Session().NoScriptHandled)

	f.vendor.FailNext(testutil.OpStop, errors.New("offline"))
	_, err := f.eng.DisconnectDevice(context.Background())
	require.Error(t, err)

	sess := f.eng.Session()
	assert.False(t, sess.DeviceConnected)
	assert.True(t, sess.LastTimestamp.IsNull())
	assert.False(t, sess.NoScriptHandled)
	assert.Empty(t, sess.SessionID)
	assert.Equal(t, []string{"stop"}, f.ops())
}

// stubFeed is a Feed whose Connect result is set by the test.
type stubFeed struct {
	err   error
	calls int
}

func (s *stubFeed) Connect(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestConnectFeed(t *testing.T) {
	t.Run("no feed", func(t *testing.T) {
		f := newFixture(t, Config{})
		err := f.eng.ConnectFeed(context.Background())
		assert.True(t, IsFeedError(err))
	})

	t.Run("refused", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.eng.AttachFeed(&stubFeed{err: &feed.ConnectError{Addr: "127.0.0.1:23554", Err: errors.New("connection refused")}})

		err := f.eng.ConnectFeed(context.Background())

		require.Error(t, err)
		assert.True(t, IsFeedError(err))
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "connection refused: Is the HereSphere server running?", ce.Message)

		snap := f.eng.Snapshot(context.Background())
		assert.False(t, snap.FeedConnected)
		assert.Equal(t, ce.Message, snap.Message)
		assert.Equal(t, 1, f.countLog("Error: connection refused"))
	})

	t.Run("connected then closed", func(t *testing.T) {
		f := newFixture(t, Config{})
		stub := &stubFeed{}
		f.eng.AttachFeed(stub)

		require.NoError(t, f.eng.ConnectFeed(context.Background()))
		require.NoError(t, f.eng.ConnectFeed(context.Background()))

		snap := f.eng.Snapshot(context.Background())
		assert.True(t, snap.FeedConnected)
		assert.Equal(t, "Connected to HereSphere", snap.Message)
		assert.Equal(t, 1, f.countLog("Connected to HereSphere"))
		assert.Equal(t, 2, stub.calls)

		f.eng.FeedClosed(nil)
		assert.False(t, f.eng.Session().FeedConnected)
		assert.Equal(t, 1, f.countLog("Connection to HereSphere closed"))
	})
}

func TestFeedError_Logged(t *testing.T) {
	f := newFixture(t, Config{})
	f.eng.FeedError(&feed.FrameError{Seq: 3, Size: 8, Err: errors.New("bad json")})
	assert.Equal(t, 1, f.countLog("Ignored malformed timestamp: frame 3 (8 bytes): bad json"))
}

func TestPeek_HasNoSideEffects(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t)
	statusCalls := f.session.Stats().Status.Count

	peek := f.eng.Peek()
	assert.NotNil(t, peek.Device, "last known status")
	assert.Equal(t, "Connected to Autoblow device", peek.Message)
	assert.Equal(t, statusCalls, f.session.Stats().Status.Count)
	assert.Empty(t, f.vendor.Calls())

	assert.Equal(t, "Connected to Autoblow device", f.eng.Snapshot(context.Background()).Message)
}
