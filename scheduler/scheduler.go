// Package scheduler runs one collection worker per server. Each worker polls
// its server on a fixed interval, measured from the end of the previous
// cycle, and backs off exponentially while the server cannot be reached.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigilant/core"
	"vigilant/detect"
	"vigilant/ingest"
	"vigilant/lease"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval  = 60 * time.Second
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffMax    = 30 * time.Minute
	DefaultCycleTimeout  = 5 * time.Minute
	DefaultShutdownGrace = 15 * time.Second
)

var (
	// ErrUnknownServer is returned for operations on a server without a worker
	ErrUnknownServer = errors.New("unknown server")
	ErrNotRunning    = errors.New("scheduler is not running")
)

// Config controls the collection cadence
type Config struct {
	PollInterval  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CycleTimeout  time.Duration
	ShutdownGrace time.Duration
	// LeaseTTL bounds how long a crashed collector blocks a server; defaults to CycleTimeout plus a minute
	LeaseTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.CycleTimeout + time.Minute
	}
}

// ServerLister provides the configured servers
type ServerLister interface {
	ListServers(ctx context.Context) ([]core.Server, error)
}

// Connector opens a session to a server; *ingest.Client implements it
type Connector interface {
	Connect(ctx context.Context, server *core.Server) (ingest.Session, error)
}

// AlertStore reads cursors and commits detected alerts with the next cursor
type AlertStore interface {
	GetCursor(ctx context.Context, serverName, source string) (core.Cursor, bool, error)
	CommitBatch(ctx context.Context, candidates []core.Candidate, next core.Cursor) ([]core.SaveResult, error)
}

// Detector turns lines into alert candidates
type Detector interface {
	Detect(meta detect.SourceMeta, lines []core.LogLine) []core.Candidate
}

// ExceptionFilter publishes exception snapshots
type ExceptionFilter interface {
	Refresh(ctx context.Context) error
	Snapshot() *detect.ExceptionSet
}

// HitRecorder records how often exceptions suppressed a candidate
type HitRecorder interface {
	RecordExceptionHits(ctx context.Context, hits map[string]int64, at time.Time) error
}

// Notifier receives alerts that were stored for the first time
type Notifier interface {
	Notify(alerts ...core.Alert)
}

// Deps are the collaborators of the scheduler. Hits, Notifier and Locker are optional.
type Deps struct {
	Servers    ServerLister
	Client     Connector
	Store      AlertStore
	Detector   Detector
	Exceptions ExceptionFilter
	Hits       HitRecorder
	Notifier   Notifier
	Locker     lease.Locker
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCycleHook registers a function called after every cycle
func WithCycleHook(hook func(CycleReport)) Option {
	return func(s *Scheduler) { s.hooks = append(s.hooks, hook) }
}

// Scheduler owns the per-server workers
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.SugaredLogger
	now    func() time.Time
	hooks  []func(CycleReport)

	// reconcileMu serializes Reconcile so that concurrent calls cannot
	// restart the same changed server twice
	reconcileMu sync.Mutex

	mu      sync.Mutex
	workers map[string]*worker
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler
func New(cfg Config, deps Deps, logger *zap.SugaredLogger, opts ...Option) (*Scheduler, error) {
	if deps.Servers == nil || deps.Client == nil || deps.Store == nil || deps.Detector == nil || deps.Exceptions == nil {
		return nil, fmt.Errorf("%w: scheduler requires servers, client, store, detector and exceptions", core.ErrConfig)
	}
	cfg.applyDefaults()
	if deps.Locker == nil {
		deps.Locker = lease.NewLocalLocker()
	}
	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start loads the servers and starts one worker per valid server. First
// cycles are staggered over one poll interval.
func (s *Scheduler) Start(ctx context.Context) error {
	servers, err := s.loadServers(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	n := len(servers)
	for i := range servers {
		offset := time.Duration(int64(s.cfg.PollInterval) * int64(i) / int64(n))
		s.startWorkerLocked(servers[i], offset)
	}
	s.logger.Infow("Collection scheduler started",
		"servers", n,
		"poll_interval", s.cfg.PollInterval,
		"backoff_base", s.cfg.BackoffBase,
		"backoff_max", s.cfg.BackoffMax)
	return nil
}

// Stop stops scheduling new cycles and waits for in-flight cycles for up to
// the shutdown grace period, then cancels them. Cancelled cycles never
// advance cursors.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	workers := make([]*worker, 0, len(s.workers))
	for name, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, name)
	}
	cancel := s.cancel
	s.mu.Unlock()

	for _, w := range workers {
		w.stopLoop()
	}

	graceCtx, graceCancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer graceCancel()
	cut := 0
	for _, w := range workers {
		if !w.wait(graceCtx) {
			cut++
		}
	}
	cancel()
	if cut > 0 {
		s.logger.Warnw("Cancelled in-flight cycles after shutdown grace period",
			"cycles", cut,
			"grace", s.cfg.ShutdownGrace)
	}

	for _, w := range workers {
		if !w.wait(ctx) {
			return fmt.Errorf("waiting for workers: %w", ctx.Err())
		}
	}
	s.logger.Infow("Collection scheduler stopped")
	return nil
}

// Reconcile brings the workers in line with the server repository: new
// servers get a worker, removed ones are stopped and changed ones restarted.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	servers, err := s.loadServers(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]core.Server, len(servers))
	for _, srv := range servers {
		wanted[srv.Name] = srv
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	var stopping []*worker
	var added, removed, changed int
	for name, w := range s.workers {
		srv, ok := wanted[name]
		switch {
		case !ok:
			removed++
		case !w.server.Equal(&srv):
			changed++
		default:
			continue
		}
		stopping = append(stopping, w)
		delete(s.workers, name)
	}
	for _, srv := range servers {
		if _, ok := s.workers[srv.Name]; ok {
			continue
		}
		if isStopping(stopping, srv.Name) {
			continue
		}
		added++
		s.startWorkerLocked(srv, 0)
	}
	s.mu.Unlock()

	// Changed servers restart only after their old worker is gone so that
	// two workers never collect the same server.
	for _, w := range stopping {
		w.stopLoop()
		w.stopCycle(ctx, s.cfg.ShutdownGrace)
		if srv, ok := wanted[w.server.Name]; ok {
			s.mu.Lock()
			if s.running {
				s.startWorkerLocked(srv, 0)
			}
			s.mu.Unlock()
		}
	}

	if added+removed+changed > 0 {
		s.logger.Infow("Reconciled collection workers",
			"added", added,
			"removed", removed,
			"changed", changed)
	}
	return nil
}

func isStopping(ws []*worker, name string) bool {
	for _, w := range ws {
		if w.server.Name == name {
			return true
		}
	}
	return false
}

// Trigger asks the worker of a server to run a cycle now. It returns false
// when a cycle is already running or one is already pending.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return w.trigger(), nil
}

// Status returns the state of every worker, sorted by server name
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	now := s.now()
	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// ServerStatus returns the state of one worker
func (s *Scheduler) ServerStatus(name string) (Status, error) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return w.snapshot(s.now()), nil
}

// Healthy reports whether every server had a successful cycle within two
// poll intervals, along with the per-server detail
func (s *Scheduler) Healthy() (bool, []Status) {
	statuses := s.Status()
	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// loadServers lists servers and drops invalid ones with a warning
func (s *Scheduler) loadServers(ctx context.Context) ([]core.Server, error) {
	all, err := s.deps.Servers.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	valid := all[:0]
	for _, srv := range all {
		if err := srv.Validate(); err != nil {
			s.logger.Warnw("Skipping invalid server definition",
				"server", srv.Name,
				"error", err)
			continue
		}
		valid = append(valid, srv)
	}
	return valid, nil
}

func (s *Scheduler) startWorkerLocked(srv core.Server, initialDelay time.Duration) {
	w := newWorker(s, srv)
	s.workers[srv.Name] = w
	w.start(s.runCtx, initialDelay)
}

func (s *Scheduler) emit(r CycleReport) {
	for _, h := range s.hooks {
		h(r)
	}
}
