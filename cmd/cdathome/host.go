package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cdathome/internal/config"
	"github.com/loykin/cdathome/internal/history"
	"github.com/loykin/cdathome/internal/history/factory"
	"github.com/loykin/cdathome/internal/logger"
	"github.com/loykin/cdathome/internal/metrics"
	"github.com/loykin/cdathome/internal/server"
	"github.com/loykin/cdathome/internal/supervisor"
	itls "github.com/loykin/cdathome/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// Host runs the supervisor with the optional metrics endpoint, status API and
// history sinks described by the config. It returns when the workload exits on
// its own or ctx is cancelled.
func (c *command) Host(ctx context.Context) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	cfg, err := fc.ToSupervisorConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(c.errOut, logger.Options{
		Level:  fc.Log.Level,
		Format: fc.Log.Format,
		File:   fc.Log.File,
		Color:  !c.flags.NoColor && colorEnabled(c.errOut),
	})
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	opts := []supervisor.Option{supervisor.WithLogger(log)}
	if rec := openHistory(fc, log); rec != nil {
		defer closeWithTimeout(rec.Close, log, "history")
		opts = append(opts, supervisor.WithRecorder(rec))
	}
	sup, err := supervisor.New(cfg, opts...)
	if err != nil {
		return err
	}

	var collector *metrics.ProcessMetricsCollector
	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register metrics", "err", err)
		}
		if pm := fc.ProcessMetricsConfig(); pm.Enabled {
			collector = metrics.NewProcessMetricsCollector(pm)
			if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				log.Warn("register workload metrics", "err", err)
			}
			collector.Start(ctx, cfg.Name, sup.CurrentPID)
			defer collector.Stop()
		}
		if fc.Metrics.Listen != "" {
			stop, err := serveMetrics(fc.Metrics.Listen, log)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			defer closeWithTimeout(stop, log, "metrics")
		}
	}

	if fc.Server.Enabled {
		var ropts []server.Option
		if collector != nil {
			ropts = append(ropts, server.WithResources(collector))
		}
		if fc.Metrics.Enabled && fc.Metrics.Listen == "" {
			ropts = append(ropts, server.WithMetrics())
		}
		tlsCfg, err := itls.Setup(fc.Server.TLS)
		if err != nil {
			return err
		}
		srv, err := server.NewServer(fc.Server.Listen, server.NewRouter(sup, fc.Server.BasePath, ropts...), tlsCfg)
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		log.Info("status api listening", "addr", srv.Addr(), "base_path", fc.Server.BasePath, "tls", tlsCfg != nil)
		defer closeWithTimeout(srv.Shutdown, log, "status api")
	}

	log.Info("hosting",
		"name", cfg.Name,
		"repo", cfg.RepoDir,
		"branch", cfg.Remote+"/"+cfg.Branch,
		"poll_interval", cfg.PollInterval,
		"command", cfg.Command,
	)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	st := sup.Status()
	if st.LastExit != nil {
		log.Info("workload finished", "exit", st.LastExit.String(), "restarts", st.Restarts)
	}
	return nil
}

// openHistory builds a recorder from history.dsn. Sinks that fail to open are
// logged and skipped; nil means history is off.
func openHistory(fc *config.FileConfig, log *slog.Logger) *history.Recorder {
	if !fc.History.Enabled || len(fc.History.DSN) == 0 {
		return nil
	}
	var sinks []history.Sink
	for _, dsn := range fc.History.DSN {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", "err", err)
			continue
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil
	}
	return history.NewRecorder(log, sinks...)
}

func serveMetrics(addr string, log *slog.Logger) (func(context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()
	log.Info("metrics listening", "addr", ln.Addr().String())
	return srv.Shutdown, nil
}

func closeWithTimeout(f func(context.Context) error, log *slog.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		log.Warn("shutdown", "component", what, "err", err)
	}
}
