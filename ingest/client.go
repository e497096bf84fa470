// Package ingest fetches authentication log lines from remote hosts over SSH.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vigilant/core"
	"vigilant/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultTailLines      = 2000
	DefaultMaxLines       = 5000
	DefaultAutoResolveTTL = time.Hour

	autoCacheSize = 1024
)

// Config controls the remote log client
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// TailLines is how far back the first fetch of a source reaches
	TailLines int
	// MaxLines caps the lines returned by one fetch
	MaxLines       int
	KnownHostsPath string
	AutoResolveTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.TailLines <= 0 {
		c.TailLines = DefaultTailLines
	}
	if c.MaxLines <= 0 {
		c.MaxLines = DefaultMaxLines
	}
	if c.AutoResolveTTL <= 0 {
		c.AutoResolveTTL = DefaultAutoResolveTTL
	}
}

// CredentialResolver turns a credential reference into its secret value.
// Values that are not references are returned unchanged.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// FetchResult is what one fetch of one source returns
type FetchResult struct {
	// Source is the resolved source the lines came from
	Source string
	Lines  []core.LogLine
	// Next is the cursor to commit once the lines have been processed
	Next core.Cursor
}

// Session is an open connection to one server, valid for one cycle
type Session interface {
	// Resolve turns a configured source string into a concrete source,
	// resolving ssh:auto on the remote host
	Resolve(ctx context.Context, source string) (core.LogSource, error)
	// Fetch returns the lines after cursor
	Fetch(ctx context.Context, source core.LogSource, cursor core.Cursor) (*FetchResult, error)
	Close() error
}

// dialFunc opens a command runner to a server; replaced in tests
type dialFunc func(ctx context.Context, server *core.Server, password string) (commandRunner, error)

// Client is the remote log client. It is safe for concurrent use; each
// Connect opens an independent session.
type Client struct {
	cfg       Config
	creds     CredentialResolver
	logger    *zap.SugaredLogger
	dial      dialFunc
	autoCache *expirable.LRU[string, core.LogSource]
}

// NewClient creates a remote log client
func NewClient(cfg Config, creds CredentialResolver, logger *zap.SugaredLogger) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:       cfg,
		creds:     creds,
		logger:    logger,
		autoCache: expirable.NewLRU[string, core.LogSource](autoCacheSize, nil, cfg.AutoResolveTTL),
	}
	d := newSSHDialer(cfg, creds, logger)
	c.dial = d.dial
	return c
}

// Connect opens a session to the server
func (c *Client) Connect(ctx context.Context, server *core.Server) (Session, error) {
	password, err := c.resolvePassword(ctx, server)
	if err != nil {
		return nil, err
	}

	runner, err := c.dial(ctx, server, password)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(server.Name, errorKind(err)).Inc()
		return nil, err
	}

	loc, err := server.Location()
	if err != nil {
		loc = time.UTC
	}

	return &session{
		client:   c,
		server:   server,
		runner:   runner,
		password: password,
		location: loc,
	}, nil
}

// Fetch is the one-shot form of Connect, Resolve, Fetch and Close
func (c *Client) Fetch(ctx context.Context, server *core.Server, source string, cursor core.Cursor) (*FetchResult, error) {
	sess, err := c.Connect(ctx, server)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	src, err := sess.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	return sess.Fetch(ctx, src, cursor)
}

// InvalidateAuto drops the cached ssh:auto resolution of a server
func (c *Client) InvalidateAuto(serverName string) {
	c.autoCache.Remove(serverName)
}

func (c *Client) resolvePassword(ctx context.Context, server *core.Server) (string, error) {
	if server.Password == "" || c.creds == nil {
		return server.Password, nil
	}
	password, err := c.creds.Resolve(ctx, server.Password)
	if err != nil {
		return "", core.NewFetchError(server.Name, "", core.ErrAuthentication, fmt.Errorf("resolve password: %w", err))
	}
	return password, nil
}

// session implements Session on top of a command runner
type session struct {
	client   *Client
	server   *core.Server
	runner   commandRunner
	password string
	location *time.Location
}

func (s *session) Resolve(ctx context.Context, source string) (core.LogSource, error) {
	src, err := core.ParseLogSource(source)
	if err != nil {
		return core.LogSource{}, core.NewFetchError(s.server.Name, source, core.ErrConfig, err)
	}
	if src.Kind != core.SourceKindAuto {
		return src, nil
	}
	return s.resolveAuto(ctx)
}

func (s *session) Fetch(ctx context.Context, source core.LogSource, cursor core.Cursor) (*FetchResult, error) {
	var (
		result *FetchResult
		err    error
	)
	switch source.Kind {
	case core.SourceKindFile:
		result, err = s.fetchFile(ctx, source, cursor)
	case core.SourceKindJournal:
		result, err = s.fetchJournal(ctx, source, cursor)
	default:
		err = core.NewFetchError(s.server.Name, source.String(), core.ErrConfig, fmt.Errorf("source %s must be resolved before fetching", source))
	}
	if err != nil {
		metrics.FetchErrors.WithLabelValues(s.server.Name, errorKind(err)).Inc()
		return nil, err
	}

	metrics.LinesFetched.WithLabelValues(s.server.Name).Add(float64(len(result.Lines)))
	s.client.logger.Debugw("Fetched log lines",
		"server", s.server.Name,
		"source", result.Source,
		"lines", len(result.Lines),
		"cursor", result.Next.String())
	return result, nil
}

func (s *session) Close() error {
	return s.runner.Close()
}

// fetchError tags err with the server and source unless it already is a FetchError
func (s *session) fetchError(source string, kind error, err error) error {
	var fe *core.FetchError
	if errors.As(err, &fe) {
		if fe.Source == "" {
			fe.Source = source
		}
		return fe
	}
	return core.NewFetchError(s.server.Name, source, kind, err)
}

func errorKind(err error) string {
	var fe *core.FetchError
	if !errors.As(err, &fe) || fe.Kind == nil {
		return "unknown"
	}
	switch fe.Kind {
	case core.ErrConnection:
		return "connection"
	case core.ErrAuthentication:
		return "authentication"
	case core.ErrTimeout:
		return "timeout"
	case core.ErrCommand:
		return "command"
	case core.ErrParse:
		return "parse"
	case core.ErrConfig:
		return "config"
	default:
		return "unknown"
	}
}
