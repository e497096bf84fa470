// Package api serves health, metrics and a small management surface over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"vigilant/core"
	"vigilant/scheduler"
	"vigilant/storage"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	rateLimiterCacheSize = 4096
	rateLimiterIdleTTL   = time.Hour
)

// AlertStorer is the alert store as seen by the API
type AlertStorer interface {
	List(ctx context.Context, filter storage.AlertFilter) ([]core.Alert, error)
	Count(ctx context.Context, filter storage.AlertFilter) (int64, error)
	Acknowledge(ctx context.Context, id int64, by string) (*core.Alert, error)
}

// ExceptionStorer is the exception repository as seen by the API
type ExceptionStorer interface {
	ListExceptions(ctx context.Context, filters core.ExceptionFilters) ([]core.AlertException, error)
	CreateException(ctx context.Context, e *core.AlertException) error
	DeleteException(ctx context.Context, id string) error
}

// Collector is the collection scheduler as seen by the API
type Collector interface {
	Healthy() (bool, []scheduler.Status)
	Status() []scheduler.Status
	Trigger(name string) (bool, error)
}

// ExceptionRefresher reloads the exception snapshot used by collection
type ExceptionRefresher interface {
	Refresh(ctx context.Context) error
}

// Option configures the API
type Option func(*API)

// WithExceptionRefresher makes exception mutations take effect before the next cycle
func WithExceptionRefresher(r ExceptionRefresher) Option {
	return func(a *API) { a.refresher = r }
}

// Config controls the HTTP server
type Config struct {
	ListenAddr        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestsPerSecond float64
	Burst             int
}

// API holds the API server
type API struct {
	router     *mux.Router
	server     *http.Server
	cfg        Config
	alerts     AlertStorer
	exceptions ExceptionStorer
	collector  Collector
	logger     *zap.SugaredLogger
	limiters   *expirable.LRU[string, *rate.Limiter]
	refresher  ExceptionRefresher
}

// NewAPI creates the API and registers its routes
func NewAPI(cfg Config, alerts AlertStorer, exceptions ExceptionStorer, collector Collector, logger *zap.SugaredLogger, opts ...Option) *API {
	a := &API{
		router:     mux.NewRouter(),
		cfg:        cfg,
		alerts:     alerts,
		exceptions: exceptions,
		collector:  collector,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiters = expirable.NewLRU[string, *rate.Limiter](rateLimiterCacheSize, nil, rateLimiterIdleTTL)
	}
	a.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.recoverMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/healthz", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.loggingMiddleware)
	v1.HandleFunc("/servers/status", a.getServerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{name}/refresh", a.refreshServer).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", a.getAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id:[0-9]+}/acknowledge", a.acknowledgeAlert).Methods(http.MethodPost)
	v1.HandleFunc("/exceptions", a.getExceptions).Methods(http.MethodGet)
	v1.HandleFunc("/exceptions", a.createException).Methods(http.MethodPost)
	v1.HandleFunc("/exceptions/{id}", a.deleteException).Methods(http.MethodDelete)
}

// Handler returns the root handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start listens on the configured address and serves until Stop is called.
// It returns nil after a graceful stop.
func (a *API) Start() error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return a.Serve(ln)
}

// Serve serves on an existing listener
func (a *API) Serve(ln net.Listener) error {
	a.logger.Infow("API server listening", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
