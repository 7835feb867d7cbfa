// Package activity records the human readable history shown to operators.
//
// The log is append-only and grows without bound for the life of the
// process. Readers always receive copies, most recent entry first.
package activity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one line of the activity log.
type Entry struct {
	Seq      int64     `json:"seq"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
	Emphasis bool      `json:"emphasis,omitempty"`
}

// Log is the in-memory activity history.
//
// Thread-safety: all methods are safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry // oldest first; reversed on read
	changed chan struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger mirrors entries to logger instead of slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		changed: make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add appends a plain entry built from parts, joined by spaces.
func (l *Log) Add(parts ...any) Entry {
	return l.append(join(parts), false)
}

// Emphasize appends an entry flagged for distinct rendering.
func (l *Log) Emphasize(parts ...any) Entry {
	return l.append(join(parts), true)
}

func (l *Log) append(text string, emphasis bool) Entry {
	l.mu.Lock()
	l.seq++
	e := Entry{
		Seq:      l.seq,
		Time:     l.now(),
		Text:     text,
		Emphasis: emphasis,
	}
	l.entries = append(l.entries, e)

	// Wake every waiter; the next Changed() call gets a fresh channel.
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(text, "component", "activity", "seq", e.Seq, "emphasis", emphasis)
	return e
}

// Entries returns a copy of the log, most recent first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Changed returns a channel that is closed on the next append.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func join(parts []any) string {
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		s := fmt.Sprint(p)
		if s == "" {
			continue
		}
		strs = append(strs, s)
	}
	return strings.Join(strs, " ")
}
