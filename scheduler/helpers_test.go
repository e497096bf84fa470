package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vigilant/core"
	"vigilant/detect"
	"vigilant/ingest"
	"vigilant/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeHost is an in-memory server whose sources are append-only line lists
type fakeHost struct {
	mu         sync.Mutex
	sources    map[string][]string
	connectErr error
	fetchErr   map[string]error
	block      chan struct{}
	connects   int
	connectsAt []time.Time
}

func newFakeHost() *fakeHost {
	return &fakeHost{sources: make(map[string][]string), fetchErr: make(map[string]error)}
}

func (h *fakeHost) appendLines(source string, lines ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[source] = append(h.sources[source], lines...)
}

func (h *fakeHost) connectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

func (h *fakeHost) connectTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.connectsAt...)
}

type fakeConnector struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func (c *fakeConnector) host(name string) *fakeHost {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hosts == nil {
		c.hosts = make(map[string]*fakeHost)
	}
	h, ok := c.hosts[name]
	if !ok {
		h = newFakeHost()
		c.hosts[name] = h
	}
	return h
}

func (c *fakeConnector) Connect(ctx context.Context, server *core.Server) (ingest.Session, error) {
	h := c.host(server.Name)
	h.mu.Lock()
	h.connects++
	h.connectsAt = append(h.connectsAt, time.Now())
	err := h.connectErr
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeSession{host: h, server: server.Name}, nil
}

type fakeSession struct {
	host   *fakeHost
	server string
}

func (s *fakeSession) Resolve(ctx context.Context, source string) (core.LogSource, error) {
	src, err := core.ParseLogSource(source)
	if err != nil {
		return core.LogSource{}, core.NewFetchError(s.server, source, core.ErrConfig, err)
	}
	if src.Kind == core.SourceKindAuto {
		return core.LogSource{Kind: core.SourceKindFile, Location: "/var/log/auth.log"}, nil
	}
	return src, nil
}

func (s *fakeSession) Fetch(ctx context.Context, src core.LogSource, cursor core.Cursor) (*ingest.FetchResult, error) {
	name := src.String()
	if s.host.block != nil {
		select {
		case <-s.host.block:
		case <-ctx.Done():
			return nil, core.NewFetchError(s.server, name, core.ErrTimeout, ctx.Err())
		}
	}

	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if err := s.host.fetchErr[name]; err != nil {
		return nil, err
	}
	all := s.host.sources[name]
	start := int(cursor.Position)
	if start > len(all) {
		start = 0
	}
	var lines []core.LogLine
	for _, l := range all[start:] {
		lines = append(lines, core.LogLine{Text: l})
	}
	next := cursor
	next.ServerName = s.server
	next.Source = name
	next.Position = int64(len(all))
	return &ingest.FetchResult{Source: name, Lines: lines, Next: next}, nil
}

func (s *fakeSession) Close() error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (n *recordingNotifier) Notify(alerts ...core.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alerts...)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// harness wires a scheduler to a real SQLite store and fake hosts
type harness struct {
	t          *testing.T
	logger     *zap.SugaredLogger
	sqlite     *storage.SQLite
	alerts     *storage.SQLiteAlertStorage
	servers    *storage.SQLiteServerStorage
	exceptions *storage.SQLiteExceptionStorage
	connector  *fakeConnector
	notifier   *recordingNotifier
	reports    chan CycleReport
	sched      *Scheduler
}

func newHarness(t *testing.T, alertOpts ...storage.AlertOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "vigilant.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		t:          t,
		logger:     logger,
		sqlite:     db,
		alerts:     storage.NewSQLiteAlertStorage(db, logger, alertOpts...),
		servers:    storage.NewSQLiteServerStorage(db, logger),
		exceptions: storage.NewSQLiteExceptionStorage(db, logger),
		connector:  &fakeConnector{},
		notifier:   &recordingNotifier{},
		reports:    make(chan CycleReport, 256),
	}
	return h
}

func (h *harness) build(cfg Config, deps Deps, opts ...Option) *Scheduler {
	h.t.Helper()
	filter, err := detect.NewExceptionFilter(h.exceptions, nil, h.logger)
	require.NoError(h.t, err)

	if deps.Servers == nil {
		deps.Servers = h.servers
	}
	deps.Client = h.connector
	deps.Store = h.alerts
	deps.Detector = detect.NewDetector(h.logger)
	deps.Exceptions = filter
	deps.Hits = h.exceptions
	deps.Notifier = h.notifier

	opts = append(opts, WithCycleHook(func(r CycleReport) {
		select {
		case h.reports <- r:
		default:
		}
	}))
	s, err := New(cfg, deps, h.logger, opts...)
	require.NoError(h.t, err)
	h.sched = s
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func (h *harness) addServer(name string, sources ...string) {
	h.t.Helper()
	require.NoError(h.t, h.servers.UpsertServer(context.Background(), &core.Server{
		Name:     name,
		Host:     "10.0.0.10",
		Username: "monitor",
		Password: "env:MONITOR_PASSWORD",
		Sources:  sources,
	}))
}

// next waits for the next report of server
func (h *harness) next(server string) CycleReport {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-h.reports:
			if r.Server == server {
				return r
			}
		case <-timeout:
			h.t.Fatalf("no cycle report for %s", server)
			return CycleReport{}
		}
	}
}

func failedLogin(i int) string {
	return fmt.Sprintf("Mar  1 08:00:%02d web-01 sshd[4242]: Failed password for root from 203.0.113.%d port 22 ssh2", i%60, i+1)
}

var fastConfig = Config{
	PollInterval:  time.Hour,
	BackoffBase:   10 * time.Millisecond,
	BackoffMax:    40 * time.Millisecond,
	CycleTimeout:  5 * time.Second,
	ShutdownGrace: time.Second,
}
