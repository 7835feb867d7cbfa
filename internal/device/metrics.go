package device

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind names a ResponseTimeStats bucket.
type Kind string

const (
	KindStart  Kind = "start"
	KindStop   Kind = "stop"
	KindStatus Kind = "status"
	KindUpload Kind = "upload"

	// KindConnect is the cloud lookup that resolves the device cluster. It
	// is kept apart from status so that status counts only state queries.
	KindConnect Kind = "connect"
)

// OpStats is the invocation count and cumulative latency of one kind.
type OpStats struct {
	Count int64
	Total time.Duration
}

// Average is the mean latency, zero before the first call.
func (o OpStats) Average() time.Duration {
	if o.Count == 0 {
		return 0
	}
	return o.Total / time.Duration(o.Count)
}

// MarshalJSON renders latencies in milliseconds.
func (o OpStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count   int64 `json:"count"`
		TotalMs int64 `json:"total_ms"`
		AvgMs   int64 `json:"avg_ms"`
	}{
		Count:   o.Count,
		TotalMs: o.Total.Milliseconds(),
		AvgMs:   o.Average().Milliseconds(),
	})
}

// ResponseTimeStats aggregates device call latency per kind.
type ResponseTimeStats struct {
	Start   OpStats `json:"start"`
	Stop    OpStats `json:"stop"`
	Status  OpStats `json:"status"`
	Upload  OpStats `json:"upload"`
	Connect OpStats `json:"connect"`
}

// Stats is the concurrency-safe recorder behind ResponseTimeStats.
type Stats struct {
	mu sync.Mutex
	s  ResponseTimeStats
}

// Record adds one call of kind that took d. Negative durations count as zero.
func (st *Stats) Record(kind Kind, d time.Duration) {
	if d < 0 {
		d = 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var o *OpStats
	switch kind {
	case KindStart:
		o = &st.s.Start
	case KindStop:
		o = &st.s.Stop
	case KindStatus:
		o = &st.s.Status
	case KindUpload:
		o = &st.s.Upload
	case KindConnect:
		o = &st.s.Connect
	default:
		return
	}
	o.Count++
	o.Total += d
}

// Snapshot returns a copy of the current counters.
func (st *Stats) Snapshot() ResponseTimeStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}
