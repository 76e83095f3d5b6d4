package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/metrics"
)

// Config bounds the dispatcher's queues and delivery attempts.
type Config struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	RetryQueue   int
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	RetryTick    time.Duration
}

// DefaultConfig returns conservative dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    256,
		Timeout:      5 * time.Second,
		RetryQueue:   1024,
		MaxAttempts:  5,
		RetryBackoff: 2 * time.Second,
		MaxBackoff:   2 * time.Minute,
		RetryTick:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryQueue <= 0 {
		c.RetryQueue = def.RetryQueue
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = def.MaxBackoff
		if c.MaxBackoff < c.RetryBackoff {
			c.MaxBackoff = c.RetryBackoff
		}
	}
	if c.RetryTick <= 0 {
		c.RetryTick = def.RetryTick
	}
	return c
}

type delivery struct {
	sink    Sink
	event   Event
	attempt int
	due     time.Time
}

// Dispatcher fans transition events out to sinks. Publishing never blocks:
// events are queued for worker goroutines, each delivery runs under a
// timeout, and failed deliveries wait in a bounded retry queue.
type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	metrics *metrics.Recorder
	now     func() time.Time

	queue chan delivery

	mu      sync.Mutex
	retries []delivery

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher for sinks. rec may be nil.
func NewDispatcher(cfg Config, rec *metrics.Recorder, sinks ...Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		metrics: rec,
		now:     time.Now,
		queue:   make(chan delivery, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// OnTransition emits the event for c moving from previous to next.
func (d *Dispatcher) OnTransition(c *approval.Case, previous, next approval.State) {
	d.Publish(EventFor(c, previous, next))
}

// OnUnassignable emits the alert for a case nobody is allowed to decide.
func (d *Dispatcher) OnUnassignable(c *approval.Case) {
	d.Publish(UnassignableEvent(c))
}

// Publish queues ev for every sink and returns immediately.
func (d *Dispatcher) Publish(ev Event) {
	for _, s := range d.sinks {
		d.enqueue(delivery{sink: s, event: ev, attempt: 1})
	}
}

func (d *Dispatcher) enqueue(dl delivery) {
	select {
	case d.queue <- dl:
	default:
		slog.Warn("notification queue full, deferring delivery", "sink", dl.sink.Name(), "case_id", dl.event.CaseID, "event", dl.event.Type)
		d.deferRetry(dl)
	}
}

// Start launches the workers and the retry loop. It is safe to call once;
// later calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
		d.wg.Add(1)
		go d.retryLoop(ctx)
		slog.Info("notification dispatcher started", "workers", d.cfg.Workers, "sinks", d.Sinks())
	})
}

// Stop drains queued deliveries and waits for workers until ctx ends.
// Deliveries still waiting for a retry are dropped and logged.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n := d.Pending(); n > 0 {
		slog.Warn("notification dispatcher stopped with undelivered events", "pending", n)
	}
	return nil
}

// Pending reports queued plus retry-waiting deliveries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	n := len(d.retries)
	d.mu.Unlock()
	return n + len(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		case <-d.stopCh:
			d.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		default:
			return
		}
	}
}

func (d *Dispatcher) retryLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.requeueDue()
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(dl delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	start := time.Now()
	err := dl.sink.Send(ctx, dl.event)
	cancel()
	d.metrics.RecordDelivery(dl.sink.Name(), time.Since(start), err)

	if err == nil {
		return
	}
	if dl.attempt >= d.cfg.MaxAttempts {
		slog.Error("notification dropped after retries",
			"sink", dl.sink.Name(), "case_id", dl.event.CaseID, "event", dl.event.Type,
			"attempts", dl.attempt, "error", err)
		return
	}
	slog.Warn("notification delivery failed",
		"sink", dl.sink.Name(), "case_id", dl.event.CaseID, "event", dl.event.Type,
		"attempt", dl.attempt, "error", err)
	dl.attempt++
	d.deferRetry(dl)
}

func (d *Dispatcher) deferRetry(dl delivery) {
	dl.due = d.now().Add(d.backoff(dl.attempt))

	d.mu.Lock()
	if len(d.retries) >= d.cfg.RetryQueue {
		oldest := d.retries[0]
		d.retries = d.retries[1:]
		slog.Warn("notification retry queue full, dropping oldest",
			"sink", oldest.sink.Name(), "case_id", oldest.event.CaseID, "event", oldest.event.Type)
	}
	d.retries = append(d.retries, dl)
	n := len(d.retries)
	d.mu.Unlock()

	d.metrics.SetRetryQueue(n)
}

// requeueDue moves retries whose backoff elapsed back onto the work queue.
func (d *Dispatcher) requeueDue() {
	now := d.now()

	d.mu.Lock()
	var due []delivery
	keep := d.retries[:0]
	for _, dl := range d.retries {
		if dl.due.After(now) {
			keep = append(keep, dl)
			continue
		}
		due = append(due, dl)
	}
	d.retries = keep
	n := len(d.retries)
	d.mu.Unlock()
	d.metrics.SetRetryQueue(n)

	for _, dl := range due {
		select {
		case d.queue <- dl:
		default:
			d.deferRetry(dl)
		}
	}
}

// backoff doubles the base delay per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	shift := attempt - 2
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		return d.cfg.MaxBackoff
	}
	wait := d.cfg.RetryBackoff << uint(shift)
	if wait > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return wait
}
