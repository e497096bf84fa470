// Package notify delivers newly stored alerts to notification sinks.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigilant/core"
	"vigilant/metrics"
	"vigilant/util/goroutine"

	"go.uber.org/zap"
)

const (
	DefaultFlushInterval = 5 * time.Minute
	DefaultMaxBatch      = 50
	DefaultQueueSize     = 1000
)

// Sink receives batches of alerts
type Sink interface {
	Name() string
	Send(ctx context.Context, alerts []core.Alert) error
}

// Config controls batching of notifications
type Config struct {
	// ImmediateSeverity and above are sent as soon as they arrive
	ImmediateSeverity core.Severity
	FlushInterval     time.Duration
	MaxBatch          int
	QueueSize         int
	Breaker           core.CircuitBreakerConfig
}

func (c *Config) applyDefaults() {
	if !c.ImmediateSeverity.Valid() {
		c.ImmediateSeverity = core.SeverityHigh
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Breaker.MaxFailures == 0 || c.Breaker.Timeout <= 0 {
		c.Breaker = core.DefaultCircuitBreakerConfig()
	}
}

type sinkEntry struct {
	sink    Sink
	breaker *core.CircuitBreaker
}

// Dispatcher queues alerts and hands them to every sink. Notify never blocks
// the caller; when the queue is full alerts are dropped and counted.
type Dispatcher struct {
	cfg    Config
	sinks  []sinkEntry
	queue  chan core.Alert
	flushc chan chan struct{}
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher creates a dispatcher over the given sinks
func NewDispatcher(cfg Config, logger *zap.SugaredLogger, sinks ...Sink) (*Dispatcher, error) {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		queue:  make(chan core.Alert, cfg.QueueSize),
		flushc: make(chan chan struct{}),
		logger: logger,
	}
	for _, s := range sinks {
		cb, err := core.NewCircuitBreaker(cfg.Breaker)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.Name(), err)
		}
		d.sinks = append(d.sinks, sinkEntry{sink: s, breaker: cb})
	}
	return d, nil
}

// Start launches the delivery loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		defer goroutine.Recover("notify-dispatcher", d.logger)
		d.run(ctx)
	}()
	d.logger.Infow("Notification dispatcher started",
		"sinks", len(d.sinks),
		"immediate_severity", d.cfg.ImmediateSeverity,
		"flush_interval", d.cfg.FlushInterval)
}

// Notify enqueues alerts for delivery
func (d *Dispatcher) Notify(alerts ...core.Alert) {
	if len(d.sinks) == 0 {
		return
	}
	for _, a := range alerts {
		select {
		case d.queue <- a:
		default:
			metrics.NotificationsDropped.Inc()
			d.logger.Warnw("Notification queue full, dropping alert",
				"alert_id", a.ID,
				"server", a.ServerName,
				"rule", a.RuleName)
		}
	}
}

// Flush delivers every pending alert and waits for it to finish
func (d *Dispatcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case d.flushc <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop delivers what is pending and stops the loop. ctx bounds the final delivery.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	flushErr := d.Flush(ctx)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return flushErr
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []core.Alert
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		d.deliver(context.WithoutCancel(ctx), batch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			if a.Severity.AtLeast(d.cfg.ImmediateSeverity) {
				d.deliver(ctx, []core.Alert{a})
				continue
			}
			pending = append(pending, a)
			if len(pending) >= d.cfg.MaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-d.flushc:
			for drained := false; !drained; {
				select {
				case a := <-d.queue:
					pending = append(pending, a)
				default:
					drained = true
				}
			}
			flush()
			close(ack)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alerts []core.Alert) {
	for _, e := range d.sinks {
		name := e.sink.Name()
		if err := e.breaker.Allow(); err != nil {
			metrics.NotificationsSent.WithLabelValues(name, "skipped").Inc()
			d.logger.Warnw("Circuit breaker open, skipping notification sink",
				"sink", name,
				"alerts", len(alerts))
			continue
		}
		if err := e.sink.Send(ctx, alerts); err != nil {
			_, state := e.breaker.RecordFailure()
			metrics.NotificationsSent.WithLabelValues(name, "failed").Inc()
			d.logger.Errorw("Failed to send notification",
				"sink", name,
				"alerts", len(alerts),
				"breaker", state,
				"error", err)
			continue
		}
		e.breaker.RecordSuccess()
		metrics.NotificationsSent.WithLabelValues(name, "sent").Inc()
	}
}
