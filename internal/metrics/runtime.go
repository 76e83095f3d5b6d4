package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// RuntimeSnapshot aggregates engine activity. It is persisted so that
// `tollgate status` can report on a running server.
type RuntimeSnapshot struct {
	UpdatedAt time.Time     `json:"updated_at"`
	Cases     CaseStats     `json:"cases"`
	Notify    NotifyStats   `json:"notify"`
	Scheduler SchedulerStat `json:"scheduler"`
}

// CaseStats counts case lifecycle events.
type CaseStats struct {
	Submitted    int64 `json:"submitted"`
	AutoCleared  int64 `json:"auto_cleared"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	Escalated    int64 `json:"escalated"`
	Expired      int64 `json:"expired"`
	Unassignable int64 `json:"unassignable"`
}

// NotifyStats tracks sink deliveries.
type NotifyStats struct {
	Attempts          int64 `json:"attempts"`
	Failures          int64 `json:"failures"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// FailureRatio returns failures/attempts in [0,1].
func (n NotifyStats) FailureRatio() float64 {
	if n.Attempts <= 0 {
		return 0
	}
	return float64(n.Failures) / float64(n.Attempts)
}

// AvgLatencyMs returns average delivery latency in milliseconds.
func (n NotifyStats) AvgLatencyMs() float64 {
	if n.Attempts <= 0 {
		return 0
	}
	return float64(n.TotalLatencyMs) / float64(n.Attempts)
}

// SchedulerStat tracks escalation scans.
type SchedulerStat struct {
	Scans      int64     `json:"scans"`
	Failures   int64     `json:"failures"`
	TimedOut   int64     `json:"timed_out"`
	LastScanAt time.Time `json:"last_scan_at,omitempty"`
}

// HasData reports whether anything was recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Cases.Submitted > 0 || s.Notify.Attempts > 0 || s.Scheduler.Scans > 0
}

// Recorder records engine metrics to Prometheus collectors and to a JSON
// snapshot under <stateDir>/runtime_metrics.json. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	path string
	prom *collectors

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRecorder creates a recorder. An empty stateDir disables persistence.
func NewRecorder(stateDir string) *Recorder {
	path := ""
	if strings.TrimSpace(stateDir) != "" {
		path = runtimeMetricsPath(stateDir)
	}
	return &Recorder{
		path:    path,
		prom:    newCollectors(),
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *Recorder) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// RecordSubmission counts a submitted transaction by its required tier.
func (m *Recorder) RecordSubmission(tier string, opened bool) {
	if m == nil {
		return
	}
	m.prom.submissions.WithLabelValues(tier).Inc()
	m.update(func(s *RuntimeSnapshot) {
		s.Cases.Submitted++
		if !opened {
			s.Cases.AutoCleared++
		}
	})
}

// RecordTransition counts a state transition.
func (m *Recorder) RecordTransition(from, to, action string) {
	if m == nil {
		return
	}
	m.prom.transitions.WithLabelValues(from, to, action).Inc()
	m.update(func(s *RuntimeSnapshot) {
		switch to {
		case "approved":
			s.Cases.Approved++
		case "rejected":
			s.Cases.Rejected++
		case "escalated":
			s.Cases.Escalated++
		case "expired":
			s.Cases.Expired++
		}
	})
}

// RecordUnassignable counts a case that has no eligible approver.
func (m *Recorder) RecordUnassignable() {
	if m == nil {
		return
	}
	m.prom.unassignable.Inc()
	m.update(func(s *RuntimeSnapshot) { s.Cases.Unassignable++ })
}

// RecordDelivery records one notification attempt against a sink.
func (m *Recorder) RecordDelivery(sink string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	timedOut := isTimeoutError(err)
	switch {
	case timedOut:
		result = "timeout"
	case err != nil:
		result = "error"
	}
	m.prom.deliveries.WithLabelValues(sink, result).Inc()
	m.prom.deliveryTime.WithLabelValues(sink).Observe(d.Seconds())

	latencyMs := d.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}
	m.update(func(s *RuntimeSnapshot) {
		s.Notify.Attempts++
		s.Notify.TotalLatencyMs += latencyMs
		if latencyMs > s.Notify.MaxLatencyMs {
			s.Notify.MaxLatencyMs = latencyMs
		}
		if err != nil {
			s.Notify.Failures++
		}
		if timedOut {
			s.Notify.Timeouts++
		}
		m.buckets[latencyBucketIndex(latencyMs)]++
		s.Notify.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, s.Notify.Attempts)
	})
}

// RecordScan records one escalation scan.
func (m *Recorder) RecordScan(at time.Time, d time.Duration, timedOut int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.prom.scans.WithLabelValues(result).Inc()
	m.prom.scanDuration.Observe(d.Seconds())
	m.update(func(s *RuntimeSnapshot) {
		s.Scheduler.Scans++
		s.Scheduler.TimedOut += int64(timedOut)
		s.Scheduler.LastScanAt = at.UTC()
		if err != nil {
			s.Scheduler.Failures++
		}
	})
}

// Flush persists the current snapshot.
func (m *Recorder) Flush() error {
	if m == nil || m.path == "" {
		return nil
	}
	return persistRuntimeSnapshot(m.path, m.Snapshot())
}

// Close flushes the snapshot to disk.
func (m *Recorder) Close() error {
	return m.Flush()
}

func (m *Recorder) update(fn func(*RuntimeSnapshot)) {
	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	fn(&m.snap)
	m.mu.Unlock()
}

// ReadRuntimeSnapshot reads the persisted snapshot. A missing file yields a
// zero snapshot and nil error.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	raw, err := os.ReadFile(runtimeMetricsPath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(err.Error())
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "timed out")
}
