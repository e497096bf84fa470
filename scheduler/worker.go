package scheduler

import (
	"context"
	"sync"
	"time"

	"vigilant/core"
	"vigilant/metrics"
	"vigilant/util/goroutine"

	"github.com/cenkalti/backoff/v4"
)

// State is the state of a server worker
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBackoff State = "backoff"
)

// Cycle outcomes, also used as metric labels
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeBackoff = "backoff"
	OutcomeSkipped = "skipped"
)

// Status is the observable state of one server worker
type Status struct {
	Server              string        `json:"server"`
	State               State         `json:"state"`
	Healthy             bool          `json:"healthy"`
	LastRun             time.Time     `json:"last_run,omitempty"`
	LastSuccess         time.Time     `json:"last_success"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextDelay           time.Duration `json:"next_delay"`
	LastError           string        `json:"last_error,omitempty"`
	AlertsInserted      uint64        `json:"alerts_inserted"`
}

// CycleReport describes one finished cycle
type CycleReport struct {
	Server     string
	Outcome    string
	Duration   time.Duration
	NextDelay  time.Duration
	Sources    int
	Failed     int
	Detected   int
	Suppressed int
	Inserted   int
	Err        error
}

type worker struct {
	s      *Scheduler
	server core.Server

	wake    chan struct{}
	backoff *backoff.ExponentialBackOff

	loopCancel  context.CancelFunc
	cycleCancel context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	status Status
}

func newWorker(s *Scheduler, srv core.Server) *worker {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &worker{
		s:       s,
		server:  srv,
		wake:    make(chan struct{}, 1),
		backoff: b,
		done:    make(chan struct{}),
		status: Status{
			Server:      srv.Name,
			State:       StateIdle,
			LastSuccess: s.now(),
		},
	}
}

// start launches the loop. Cycles run under a context derived from runCtx so
// that stopping the loop lets an in-flight cycle finish.
func (w *worker) start(runCtx context.Context, initialDelay time.Duration) {
	loopCtx, loopCancel := context.WithCancel(runCtx)
	cycleCtx, cycleCancel := context.WithCancel(runCtx)
	w.loopCancel = loopCancel
	w.cycleCancel = cycleCancel

	w.mu.Lock()
	w.status.NextDelay = initialDelay
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		defer cycleCancel()
		defer goroutine.Recover("collector-"+w.server.Name, w.s.logger)
		w.loop(loopCtx, cycleCtx, initialDelay)
	}()
}

func (w *worker) loop(loopCtx, cycleCtx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if loopCtx.Err() != nil {
			return
		}

		delay = w.runOnce(cycleCtx)
		timer.Reset(delay)
	}
}

func (w *worker) trigger() bool {
	w.mu.Lock()
	running := w.status.State == StateRunning
	w.mu.Unlock()
	if running {
		return false
	}
	select {
	case w.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *worker) stopLoop() {
	if w.loopCancel != nil {
		w.loopCancel()
	}
}

// stopCycle waits for an in-flight cycle for up to grace, then cancels it
func (w *worker) stopCycle(ctx context.Context, grace time.Duration) {
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if w.wait(graceCtx) {
		return
	}
	w.cycleCancel()
	w.wait(ctx)
}

func (w *worker) wait(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// runOnce runs one cycle and returns the delay until the next one
func (w *worker) runOnce(parent context.Context) time.Duration {
	s := w.s
	start := s.now()

	w.mu.Lock()
	w.status.State = StateRunning
	w.status.LastRun = start
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleTimeout)
	report := s.runCycle(ctx, &w.server)
	cancel()

	report.Duration = s.now().Sub(start)
	report.Outcome, report.NextDelay = w.settle(report)

	metrics.RecordCycle(w.server.Name, report.Outcome, report.Duration.Seconds())
	w.log(report)
	s.emit(report)
	return report.NextDelay
}

// settle applies the cycle outcome to the worker state
func (w *worker) settle(r CycleReport) (string, time.Duration) {
	interval := w.s.cfg.PollInterval
	now := w.s.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	st := &w.status
	st.AlertsInserted += uint64(r.Inserted)

	outcome, delay := OutcomeSuccess, interval
	switch {
	case r.Outcome == OutcomeSkipped:
		outcome = OutcomeSkipped
	case r.Outcome == OutcomeBackoff:
		outcome = OutcomeBackoff
		delay = w.backoff.NextBackOff()
		st.Failures++
		st.ConsecutiveFailures++
	case r.Err != nil && r.Failed < r.Sources:
		// some sources made progress; the server is reachable
		outcome = OutcomePartial
		st.Successes++
		st.LastSuccess = now
		st.ConsecutiveFailures = 0
		w.backoff.Reset()
	case r.Err != nil:
		outcome = OutcomeFailed
		st.Failures++
		st.ConsecutiveFailures++
	default:
		st.Successes++
		st.LastSuccess = now
		st.ConsecutiveFailures = 0
		w.backoff.Reset()
	}

	if r.Err != nil {
		st.LastError = r.Err.Error()
	} else if outcome != OutcomeSkipped {
		st.LastError = ""
	}
	st.NextDelay = delay
	if outcome == OutcomeBackoff {
		st.State = StateBackoff
		metrics.BackoffDelay.WithLabelValues(w.server.Name).Set(delay.Seconds())
	} else {
		st.State = StateIdle
		metrics.BackoffDelay.WithLabelValues(w.server.Name).Set(0)
	}
	if outcome == OutcomeSuccess || outcome == OutcomePartial {
		metrics.LastSuccess.WithLabelValues(w.server.Name).Set(float64(now.Unix()))
	}
	return outcome, delay
}

func (w *worker) log(r CycleReport) {
	logger := w.s.logger
	fields := []interface{}{
		"server", r.Server,
		"outcome", r.Outcome,
		"duration", r.Duration,
		"sources", r.Sources,
		"detected", r.Detected,
		"suppressed", r.Suppressed,
		"inserted", r.Inserted,
		"next_delay", r.NextDelay,
	}
	switch r.Outcome {
	case OutcomeSuccess:
		logger.Infow("Collection cycle completed", fields...)
	case OutcomeSkipped:
		logger.Debugw("Collection cycle skipped, lease held elsewhere", fields...)
	case OutcomeBackoff:
		logger.Warnw("Server unreachable, backing off", append(fields, "error", r.Err)...)
	default:
		logger.Errorw("Collection cycle failed", append(fields, "failed_sources", r.Failed, "error", r.Err)...)
	}
}

func (w *worker) snapshot(now time.Time) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.status
	st.Healthy = now.Sub(st.LastSuccess) <= 2*w.s.cfg.PollInterval
	return st
}
