// Package metrics collects and exposes kernel runtime observability data.
//
// Two metric stores coexist, generalized from a dual-store
// design (an in-process struct for a sidecar-free dashboard, plus a
// Prometheus registry for external scraping):
//
//  1. The in-process Metrics struct (crank counters + time series) behind
//     a lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordCrank is called from the crank loop on every crank and must be
// fast. It uses atomic increments for global counters and dispatches a
// lightweight event onto a buffered channel (tsChan) for the time-series
// worker to process asynchronously, avoiding any lock on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores crank metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Cranks       int64
	Faults       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects in-process kernel runtime metrics.
type Metrics struct {
	TotalCranks   atomic.Int64
	SuccessCranks atomic.Int64
	FaultCranks   atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	VatsLaunched   atomic.Int64
	VatsTerminated atomic.Int64
	VatRestarts    atomic.Int64

	GCDrops   atomic.Int64
	GCRetires atomic.Int64

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isFault    bool
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordCrank records one crank's duration and outcome in the in-process
// store, mirroring RecordCrank in prometheus.go for the JSON dashboard
// path.
func (m *Metrics) RecordCrank(durationMs int64, faulted bool) {
	m.TotalCranks.Add(1)
	if faulted {
		m.FaultCranks.Add(1)
	} else {
		m.SuccessCranks.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isFault: faulted}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for ev := range m.tsChan {
		m.applyTimeSeriesEvent(ev.durationMs, ev.isFault)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isFault bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	bucket := m.timeSeries[len(m.timeSeries)-1]
	if !bucket.Timestamp.Equal(now) {
		// Roll the window forward by one minute, dropping the oldest bucket.
		copy(m.timeSeries, m.timeSeries[1:])
		bucket = &TimeSeriesBucket{Timestamp: now}
		m.timeSeries[len(m.timeSeries)-1] = bucket
	}
	bucket.Cranks++
	if isFault {
		bucket.Faults++
	}
	bucket.TotalLatency += durationMs
	bucket.Count++
}

func (m *Metrics) RecordVatLaunched()   { m.VatsLaunched.Add(1) }
func (m *Metrics) RecordVatTerminated() { m.VatsTerminated.Add(1) }
func (m *Metrics) RecordVatRestart()    { m.VatRestarts.Add(1) }
func (m *Metrics) RecordGCPass(drops, retires int) {
	m.GCDrops.Add(int64(drops))
	m.GCRetires.Add(int64(retires))
}

// Snapshot returns a point-in-time view suitable for JSON encoding.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"total_cranks":    m.TotalCranks.Load(),
		"success_cranks":  m.SuccessCranks.Load(),
		"fault_cranks":    m.FaultCranks.Load(),
		"vats_launched":   m.VatsLaunched.Load(),
		"vats_terminated": m.VatsTerminated.Load(),
		"vat_restarts":    m.VatRestarts.Load(),
		"gc_drops":        m.GCDrops.Load(),
		"gc_retires":      m.GCRetires.Load(),
		"uptime_seconds":  time.Since(m.startTime).Seconds(),
	}
}

// JSONHandler serves the in-process metrics snapshot as JSON, the
// sidecar-free dashboard path alongside PrometheusHandler.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value >= cur {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value <= cur {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}
