// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/netunicorn/netunicorn-connector/lib/cmd"
	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/sdk/go/auth"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/health"
	"github.com/netunicorn/netunicorn-connector/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth(context.Context) error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
	// Shutdown releases the handler's resources. It is called
	// once, after the http server has stopped.
	Shutdown(context.Context) error
}

// Management health checks that take longer than this are reported
// as failed.
const healthCheckTimeout = 30 * time.Second

type NewHandlerFunc func(_ context.Context, _ *config.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the loaded config, and brings up an http server
// with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"Connector": cfg.Connector.Name,
	})
	ctx, stop := signal.NotifyContext(c.ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	// netunicorn_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netunicorn",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(ctx); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, log,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(
				&httpserver.RequestLimiter{
					Handler:       handler,
					MaxConcurrent: cfg.Gateway.MaxConcurrentRequests,
					MaxQueue:      cfg.Gateway.MaxQueuedRequests,
					Registry:      reg,
				})))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     managementRoutes(cfg.ManagementToken, handler.CheckHealth, instrumented, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.Gateway.Listen,
	}
	srv.TLSConfig, err = tlsConfig(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Errorf("cannot start service on %s", cfg.Gateway.Listen)
		return 1
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Driver":  cfg.Connector.Driver,
		"TLS":     srv.TLSConfig != nil,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context or a
		// signal arrives
		<-ctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Connector.ShutdownTimeout.Duration())
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Connector.ShutdownTimeout.Duration()+time.Second)
	defer cancel()
	err = handler.Shutdown(shutdownCtx)
	if err != nil {
		return 1
	}
	select {
	case <-handler.Done():
		if ctx.Err() == nil {
			err = errors.New("handler stopped unexpectedly")
			return 1
		}
	default:
	}
	logger.Info("stopped")
	return 0
}

// managementRoutes serves the /metrics, /metrics.json and
// /_health/ping endpoints (which require token), and passes other
// requests to next. If token is empty, everything goes to next.
func managementRoutes(token string, checkHealth func(context.Context) error, metrics httpserver.Handler, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", auth.RequireLiteralToken(token, metrics.PromHandler()))
	mux.Handler("GET", "/metrics.json", auth.RequireLiteralToken(token, metrics.JSONHandler()))
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:   token,
		Prefix:  "/_health/",
		Timeout: healthCheckTimeout,
		Routes: health.Routes{"ping": func(ctx context.Context) (bool, string) {
			if err := checkHealth(ctx); err != nil {
				return false, err.Error()
			}
			return true, ""
		}},
	})
	mux.NotFound = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}
