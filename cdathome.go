// Package cdathome embeds the update-triggered supervisor: run a command from
// a git checkout and restart it whenever the tracked branch moves.
package cdathome

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cdathome/internal/config"
	"github.com/loykin/cdathome/internal/detector"
	"github.com/loykin/cdathome/internal/history"
	"github.com/loykin/cdathome/internal/history/factory"
	"github.com/loykin/cdathome/internal/metrics"
	"github.com/loykin/cdathome/internal/process"
	iapi "github.com/loykin/cdathome/internal/server"
	"github.com/loykin/cdathome/internal/supervisor"
	itls "github.com/loykin/cdathome/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = supervisor.Config

type Supervisor = supervisor.Supervisor

type Option = supervisor.Option

type Status = supervisor.Status

type State = supervisor.State

type Hook = process.Hook

type LifecycleHooks = process.LifecycleHooks

type ExitResult = process.ExitResult

type FileConfig = config.FileConfig

type HistorySink = history.Sink

type HistoryEvent = history.Event

type TLSConfig = itls.Config

const (
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateRestarting = supervisor.StateRestarting
	StateStopped    = supervisor.StateStopped
)

// Errors callers match with errors.Is.
var (
	ErrRepositoryNotFound = detector.ErrRepositoryNotFound
	ErrRemoteUnreachable  = detector.ErrRemoteUnreachable
	ErrRepositoryState    = detector.ErrRepositoryState
	ErrLaunch             = process.ErrLaunch
	ErrTerminateTimeout   = process.ErrTerminateTimeout
	ErrHookFailed         = process.ErrHookFailed
	ErrNotConfigured      = config.ErrNotConfigured
)

var (
	WithLogger     = supervisor.WithLogger
	WithHookOutput = supervisor.WithHookOutput
	WithRecorder   = supervisor.WithRecorder
	NewRecorder    = history.NewRecorder
	NewSinkFromDSN = factory.NewSinkFromDSN
)

// New validates cfg and returns a supervisor ready to Run.
func New(cfg Config, opts ...Option) (*Supervisor, error) { return supervisor.New(cfg, opts...) }

// LoadConfig reads a cdathome config file (JSON or TOML).
func LoadConfig(path string) (*FileConfig, error) { return config.Load(path) }

// NewFromFile loads path and builds a supervisor from it.
func NewFromFile(path string, opts ...Option) (*Supervisor, error) {
	fc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := fc.ToSupervisorConfig()
	if err != nil {
		return nil, err
	}
	return supervisor.New(cfg, opts...)
}

// NewHTTPServer serves the status API of s on addr until Shutdown.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*iapi.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(s, basePath), nil)
}

// NewTLSServer is NewHTTPServer over HTTPS.
func NewTLSServer(addr, basePath string, s *Supervisor, tc TLSConfig) (*iapi.Server, error) {
	tc.Enabled = true
	tlsCfg, err := itls.Setup(tc)
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(addr, iapi.NewRouter(s, basePath), tlsCfg)
}

// Handler returns the status API of s for mounting in an existing server.
func Handler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(s, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
