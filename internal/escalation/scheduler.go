// Package escalation drives time-based transitions. A scheduler scans for
// open cases past their deadline and times them out through the engine:
// pending cases escalate, escalated cases expire.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/metrics"
)

// Engine is the part of the approval engine the scheduler drives.
type Engine interface {
	ListPending(ctx context.Context, q approval.Query) ([]*approval.Case, error)
	Timeout(ctx context.Context, caseID string) (*approval.Case, error)
}

// Config controls how often the scheduler scans.
type Config struct {
	// Interval between scans when Cron is empty.
	Interval time.Duration
	// Cron is an optional five-field expression replacing Interval.
	Cron string
	// MaxBackoff caps the retry delay after failed scans.
	MaxBackoff time.Duration
	// Now is the clock for due checks. Pass the engine's clock so both agree
	// on which deadlines have passed. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig scans once a minute.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, MaxBackoff: 10 * time.Minute}
}

// ScanResult summarizes one scan.
type ScanResult struct {
	At        time.Time `json:"at"`
	Due       int       `json:"due"`
	Escalated int       `json:"escalated"`
	Expired   int       `json:"expired"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Open      int       `json:"open"`
}

// Scheduler periodically times out overdue cases. It also tracks open
// deadlines in a min-heap so it can wake up early for a deadline that falls
// before the next periodic scan.
type Scheduler struct {
	engine  Engine
	cfg     Config
	metrics *metrics.Recorder
	now     func() time.Time

	mu        sync.Mutex
	deadlines deadlines
	failures  int
	last      ScanResult

	// scanMu keeps manual and periodic scans from overlapping.
	scanMu sync.Mutex

	stateMu  sync.Mutex
	stopChan chan struct{}
	stopped  chan struct{}
	wake     chan struct{}
	running  bool
}

// New validates cfg and creates a scheduler. rec may be nil.
func New(engine Engine, cfg Config, rec *metrics.Recorder) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("escalation: engine is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	cfg.Cron = strings.TrimSpace(cfg.Cron)
	if cfg.Cron != "" && !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("escalation: invalid cron expression %q", cfg.Cron)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		engine:  engine,
		cfg:     cfg,
		metrics: rec,
		now:     cfg.Now,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Start runs an initial scan and begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.running {
		s.stateMu.Unlock()
		return fmt.Errorf("escalation scheduler already running")
	}
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true
	s.stateMu.Unlock()

	go s.loop(ctx)

	slog.Info("escalation scheduler started", "interval", s.cfg.Interval, "cron", s.cfg.Cron)
	return nil
}

// Stop ends the loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	stopped := s.stopped
	s.stateMu.Unlock()

	<-stopped
	slog.Info("escalation scheduler stopped")
}

// OnTransition records the deadline of a case that is still open so the
// loop can wake up for it.
func (s *Scheduler) OnTransition(c *approval.Case, _, next approval.State) {
	if c == nil || !next.IsOpen() {
		return
	}
	s.Track(c.ID, c.Deadline)
}

func (s *Scheduler) OnUnassignable(*approval.Case) {}

// Track registers a deadline and nudges the loop.
func (s *Scheduler) Track(caseID string, at time.Time) {
	if at.IsZero() {
		return
	}
	s.mu.Lock()
	s.deadlines.push(caseID, at)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LastScan returns the result of the most recent scan.
func (s *Scheduler) LastScan() ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextWait())
		case <-timer.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				slog.Error("escalation scan failed", "error", err, "failures", s.failureCount())
			}
			timer.Reset(s.nextWait())
		}
	}
}

// ScanOnce times out every open case whose deadline has passed. Cases that
// were decided or already handled since they were listed are skipped, so
// overlapping or repeated scans never double-transition a case.
func (s *Scheduler) ScanOnce(ctx context.Context) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	started := time.Now()
	now := s.now().UTC()
	res := ScanResult{At: now}

	open, err := s.engine.ListPending(ctx, approval.Query{})
	if err != nil {
		err = fmt.Errorf("list open cases: %w", err)
		s.finish(res, nil, started, err)
		return res, err
	}

	var firstErr error
	var remaining []deadline
	counts := map[string]int{
		string(approval.StatePending):   0,
		string(approval.StateEscalated): 0,
	}
	for _, c := range open {
		if !c.Deadline.Before(now) {
			remaining = append(remaining, deadline{caseID: c.ID, at: c.Deadline})
			counts[string(c.State)]++
			continue
		}
		res.Due++
		next, err := s.engine.Timeout(ctx, c.ID)
		switch {
		case err == nil:
			if next.State == approval.StateEscalated {
				res.Escalated++
				remaining = append(remaining, deadline{caseID: next.ID, at: next.Deadline})
				counts[string(next.State)]++
			} else {
				res.Expired++
			}
		case approval.IsStale(err), approval.IsValidation(err):
			res.Skipped++
			slog.Debug("escalation skipped case", "case_id", c.ID, "reason", err)
		default:
			res.Failed++
			remaining = append(remaining, deadline{caseID: c.ID, at: c.Deadline})
			counts[string(c.State)]++
			if firstErr == nil {
				firstErr = fmt.Errorf("timeout case %s: %w", c.ID, err)
			}
		}
	}
	res.Open = len(remaining)

	s.finish(res, remaining, started, firstErr)
	s.metrics.SetOpenCases(counts)
	if res.Escalated+res.Expired > 0 {
		slog.Info("escalation scan", "due", res.Due, "escalated", res.Escalated, "expired", res.Expired, "skipped", res.Skipped)
	}
	return res, firstErr
}

func (s *Scheduler) finish(res ScanResult, remaining []deadline, started time.Time, err error) {
	s.mu.Lock()
	s.last = res
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	if remaining != nil || err == nil {
		s.deadlines.reset(remaining)
	}
	s.mu.Unlock()

	s.metrics.RecordScan(res.At, time.Since(started), res.Escalated+res.Expired, err)
}

func (s *Scheduler) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// nextWait returns how long the loop sleeps before the next scan.
func (s *Scheduler) nextWait() time.Duration {
	now := s.now()

	s.mu.Lock()
	failures := s.failures
	earliest, hasDeadline := s.deadlines.peek()
	s.mu.Unlock()

	if failures > 0 {
		return s.backoff(failures)
	}

	next := s.nextPeriodic(now)
	// Timeouts only apply strictly after the deadline.
	if hasDeadline {
		if due := earliest.at.Add(time.Millisecond); due.Before(next) {
			next = due
		}
	}
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) nextPeriodic(now time.Time) time.Time {
	if s.cfg.Cron != "" {
		next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
		if err == nil {
			return next
		}
		slog.Warn("escalation: failed to compute next cron tick", "expr", s.cfg.Cron, "error", err)
	}
	return now.Add(s.cfg.Interval)
}

// backoff doubles the scan interval per consecutive failure, capped at
// MaxBackoff.
func (s *Scheduler) backoff(failures int) time.Duration {
	base := s.cfg.Interval
	if base > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	shift := failures - 1
	if shift > 20 {
		return s.cfg.MaxBackoff
	}
	wait := base << uint(shift)
	if wait > s.cfg.MaxBackoff || wait <= 0 {
		return s.cfg.MaxBackoff
	}
	return wait
}
