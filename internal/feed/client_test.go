package feed

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/abhs/internal/ir"
)

// player is a loopback stand-in for the player's stream server.
type player struct {
	ln    net.Listener
	conns chan net.Conn
}

func newPlayer(t *testing.T) *player {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &player{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *player) config(t *testing.T) Config {
	t.Helper()
	host, port, err := net.SplitHostPort(p.ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Config{Host: host, Port: n}
}

func (p *player) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// recorder collects handler and callback invocations.
type recorder struct {
	mu     sync.Mutex
	events []ir.PlayerTimestamp
	errs   []error
	closed chan error
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1), got: make(chan struct{}, 16)}
}

func (r *recorder) handle(_ context.Context, ts ir.PlayerTimestamp) {
	r.mu.Lock()
	r.events = append(r.events, ts)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) onClose(err error) {
	r.closed <- err
}

func (r *recorder) snapshot() ([]ir.PlayerTimestamp, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.PlayerTimestamp(nil), r.events...), append([]error(nil), r.errs...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not called")
		return nil
	}
}

func frame(path string, ct float64, state int) []byte {
	return []byte(`{"path":"` + path + `","duration":100,"currentTime":` +
		strconv.FormatFloat(ct, 'f', -1, 64) + `,"playbackSpeed":1,"playerState":` + strconv.Itoa(state) + `}`)
}

func TestClientDeliversFramesInOrder(t *testing.T) {
	p := newPlayer(t)
	rec := newRecorder()
	c := New(p.config(t), rec.handle, WithErrorHandler(rec.onError), WithCloseHandler(rec.onClose))

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	conn := p.accept(t)

	require.NoError(t, WriteFrame(conn, frame("a.mp4", 1, 0)))
	require.NoError(t, WriteFrame(conn, nil))
	require.NoError(t, WriteFrame(conn, []byte(`not json`)))
	require.NoError(t, WriteFrame(conn, frame("a.mp4", 2, 1)))
	rec.wait(t, 2)

	events, errs := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[0].CurrentTime)
	assert.Equal(t, 2.0, events[1].CurrentTime)
	assert.Equal(t, 1, events[1].PlayerState)

	require.Len(t, errs, 1)
	var fe *FrameError
	require.ErrorAs(t, errs[0], &fe)
	assert.Equal(t, uint64(3), fe.Seq)
	assert.True(t, IsFrameError(errs[0]))
	assert.True(t, c.Connected())

	conn.Close()
	assert.NoError(t, rec.waitClosed(t))
	assert.False(t, c.Connected())
}

func TestClientHandlerIsSynchronous(t *testing.T) {
	p := newPlayer(t)
	release := make(chan struct{})
	var mu sync.Mutex
	var inFlight, maxInFlight int
	delivered := make(chan struct{}, 4)

	handler := func(_ context.Context, _ ir.PlayerTimestamp) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		delivered <- struct{}{}
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	c := New(p.config(t), handler)
	require.NoError(t, c.Connect(context.Background()))
	conn := p.accept(t)

	require.NoError(t, WriteFrame(conn, frame("a.mp4", 1, 0)))
	require.NoError(t, WriteFrame(conn, frame("a.mp4", 2, 0)))

	<-delivered
	select {
	case <-delivered:
		t.Fatal("second frame delivered while the first was still being handled")
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	<-delivered
	release <- struct{}{}

	mu.Lock()
	assert.Equal(t, 1, maxInFlight)
	mu.Unlock()
	require.NoError(t, c.Close())
}

func TestClientConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := New(Config{Host: "127.0.0.1", Port: addr.Port}, func(context.Context, ir.PlayerTimestamp) {})
	err = c.Connect(context.Background())

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Reason())
	assert.False(t, c.Connected())
}

func TestClientConnectWhileConnectedIsNoOp(t *testing.T) {
	p := newPlayer(t)
	c := New(p.config(t), func(context.Context, ir.PlayerTimestamp) {})

	require.NoError(t, c.Connect(context.Background()))
	p.accept(t)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-p.conns:
		t.Fatal("second Connect dialed again")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c.Close())
}

func TestClientCloseReportsOrderlyEnd(t *testing.T) {
	p := newPlayer(t)
	rec := newRecorder()
	c := New(p.config(t), rec.handle, WithCloseHandler(rec.onClose))

	require.NoError(t, c.Connect(context.Background()))
	p.accept(t)

	require.NoError(t, c.Close())
	assert.NoError(t, rec.waitClosed(t))
	assert.False(t, c.Connected())

	// A closed client can connect again.
	require.NoError(t, c.Connect(context.Background()))
	p.accept(t)
	assert.True(t, c.Connected())
	require.NoError(t, c.Close())
}

func TestClientOversizedFrameDropsConnection(t *testing.T) {
	p := newPlayer(t)
	rec := newRecorder()
	c := New(p.config(t), rec.handle, WithCloseHandler(rec.onClose))

	require.NoError(t, c.Connect(context.Background()))
	conn := p.accept(t)

	_, err := conn.Write([]byte{0xff, 0xff, 0xff, 0x7f})
	require.NoError(t, err)

	err = rec.waitClosed(t)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	assert.False(t, c.Connected())
}

func TestConfigAddrDefaults(t *testing.T) {
	assert.Equal(t, "127.0.0.1:23554", Config{}.Addr())
	assert.Equal(t, "10.0.0.5:9000", Config{Host: "10.0.0.5", Port: 9000}.Addr())
}
