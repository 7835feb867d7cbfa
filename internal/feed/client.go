package feed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/abhs/internal/ir"
)

// DefaultPort is the port the player serves its timestamp stream on.
const DefaultPort = 23554

// DefaultDialTimeout bounds Connect.
const DefaultDialTimeout = 5 * time.Second

// Handler receives decoded timestamps in arrival order.
type Handler func(ctx context.Context, ts ir.PlayerTimestamp)

// Config addresses the player.
type Config struct {
	Host string
	Port int

	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Client is a single persistent feed connection.
type Client struct {
	cfg     Config
	handler Handler
	onError func(err error)
	onClose func(err error)
	baseCtx context.Context

	connecting atomic.Bool

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithErrorHandler receives per-frame decode failures.
func WithErrorHandler(fn func(err error)) Option {
	return func(c *Client) {
		c.onError = fn
	}
}

// WithCloseHandler is called once when a connection ends. err is nil for an
// orderly close from either side.
func WithCloseHandler(fn func(err error)) Option {
	return func(c *Client) {
		c.onClose = fn
	}
}

// WithBaseContext sets the parent of the context handed to the handler.
// Cancelling it ends the current connection.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Client) {
		c.baseCtx = ctx
	}
}

// New creates a disconnected client.
func New(cfg Config, handler Handler, opts ...Option) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	c := &Client{
		cfg:     cfg,
		handler: handler,
		onError: func(error) {},
		onClose: func(error) {},
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the player address.
func (c *Client) Addr() string {
	return c.cfg.Addr()
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the player once. It is a no-op while connected or while
// another Connect is in flight.
func (c *Client) Connect(ctx context.Context) error {
	if !c.connecting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.connecting.Store(false)

	if c.Connected() {
		return nil
	}

	addr := c.cfg.Addr()
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}

	readCtx, cancel := context.WithCancel(c.baseCtx)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	slog.Info("feed connected", "addr", addr)
	go c.readLoop(readCtx, conn, done)
	return nil
}

// Close ends the current connection and waits for the reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer close(done)

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	r := bufio.NewReader(conn)
	var seq uint64
	var readErr error
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			readErr = err
			break
		}
		seq++
		if len(payload) == 0 {
			continue
		}

		ts, err := ir.DecodeTimestamp(payload)
		if err != nil {
			fe := &FrameError{Seq: seq, Size: len(payload), Err: err}
			slog.Debug("feed frame dropped", "seq", seq, "error", err)
			c.onError(fe)
			continue
		}
		c.handler(ctx, ts)
	}

	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if ctx.Err() != nil || errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
		readErr = nil
	}
	slog.Info("feed closed", "addr", conn.RemoteAddr().String(), "error", readErr)
	c.onClose(readErr)
}
