package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cdathome/internal/metrics"
	"github.com/loykin/cdathome/internal/supervisor"
)

// Controller is the part of a Supervisor the API needs.
type Controller interface {
	Status() supervisor.Status
	Trigger() bool
}

// ResourceSource provides the latest workload resource sample.
type ResourceSource interface {
	Latest() (metrics.ProcessMetrics, bool)
}

// Router provides embeddable HTTP handlers for a running supervisor.
// Endpoints:
//
//	GET  {basePath}/status   supervisor status, plus the latest resource sample
//	POST {basePath}/restart  request an immediate restart (202, or 409 when one is in flight)
//	GET  {basePath}/healthz  200 while the workload is running or restarting, 503 otherwise
//	GET  {basePath}/metrics  Prometheus exposition, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl       Controller
	resources ResourceSource
	metrics   bool
	basePath  string
}

// Option customizes a Router.
type Option func(*Router)

// WithResources adds the resource sample to status responses.
func WithResources(src ResourceSource) Option { return func(r *Router) { r.resources = src } }

// WithMetrics mounts the Prometheus handler under basePath.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status and /api/restart.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.GET("/healthz", r.handleHealth)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a standalone HTTP server for a Router.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer listens on addr and serves the router in the background, over
// HTTPS when tlsConfig is non-nil. Listen errors are returned immediately.
func NewServer(addr string, r *Router, tlsConfig *tls.Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr is the bound address, useful when addr used port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	supervisor.Status
	Resources *metrics.ProcessMetrics `json:"resources,omitempty"`
}

// RestartResponse is the body of POST /restart.
type RestartResponse struct {
	Accepted bool             `json:"accepted"`
	State    supervisor.State `json:"state"`
	Error    string           `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := StatusResponse{Status: r.ctl.Status()}
	if r.resources != nil {
		if m, ok := r.resources.Latest(); ok && int(m.PID) == resp.PID {
			resp.Resources = &m
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	if r.ctl.Trigger() {
		writeJSON(c, http.StatusAccepted, RestartResponse{Accepted: true, State: r.ctl.Status().State})
		return
	}
	st := r.ctl.Status().State
	msg := "restart already in progress"
	if st != supervisor.StateRunning && st != supervisor.StateRestarting {
		msg = "workload is not running"
	}
	writeJSON(c, http.StatusConflict, RestartResponse{State: st, Error: msg})
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.ctl.Status().State
	if st == supervisor.StateRunning || st == supervisor.StateRestarting {
		writeJSON(c, http.StatusOK, gin.H{"state": st})
		return
	}
	writeError(c, http.StatusServiceUnavailable, "workload "+st.String())
}
