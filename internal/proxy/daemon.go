// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/boustrophedon/pgtemp"
)

// Mode selects how the daemon produces a backing database for each
// accepted client connection.
type Mode int

const (
	// ModeNormal boots a fresh, exclusive cluster per client connection.
	ModeNormal Mode = iota
	// ModeSingle shares one long-lived cluster across all connections,
	// handing each client a freshly created database within it.
	ModeSingle
)

// Config collects the parameters needed to run a Daemon.
type Config struct {
	// ListenAddr is the host:port the daemon accepts PostgreSQL client
	// connections on.
	ListenAddr string
	// Template carries the operator-supplied user/password/dbname that
	// seed every backing cluster or database. Its Host/Port are ignored:
	// backing clusters always bind a freshly allocated loopback port.
	Template pgtemp.URI
	// Mode selects normal or single mode.
	Mode Mode
	// Persist retains backing data directories after the daemon and all
	// its sessions exit.
	Persist bool
	// ConfigOverrides are forwarded into every backing cluster's
	// postgresql.conf.
	ConfigOverrides map[string]string
	// DumpPath, if set, is loaded after boot. In normal mode it is loaded
	// into every backing cluster's Template.DBName database. In single
	// mode it is loaded once, into the shared cluster's Template.DBName
	// database; the per-session pgtemp_<N> databases do not receive it.
	DumpPath string
	// DropSessionDatabases, in single mode, drops each session's
	// allocated database when its connection closes. Off by default, so
	// operators running with Persist can inspect them; the design
	// requires this to be applied consistently for the life of one
	// daemon instance, never toggled mid-run.
	DropSessionDatabases bool
	// MetricsAddr, if non-empty, serves Prometheus metrics and a health
	// check on this separate address. Off by default.
	MetricsAddr string
	// Logger receives structured daemon and session events. Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Daemon is a running (or not-yet-started) pgtemp proxy.
type Daemon struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics

	mu      sync.Mutex
	shared  *pgtemp.Cluster
	counter uint64
	dbLock  sync.Mutex // serializes CREATE DATABASE against the shared cluster
}

// New constructs a Daemon from cfg. It does not bind any sockets; call
// Serve to do so.
func New(cfg Config) *Daemon {
	return &Daemon{cfg: cfg, log: cfg.logger(), metrics: newMetrics()}
}

// Serve listens on cfg.ListenAddr and services client connections until
// ctx is cancelled, at which point it stops accepting, cancels every
// in-flight session (closing its sockets and tearing down its backing
// cluster), and waits for all sessions to finish before returning.
//
// A bind failure on the public listener is always fatal; per-session
// errors are logged and terminate only the affected session.
func (d *Daemon) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pgtemp proxy: listen %s: %w", d.cfg.ListenAddr, err)
	}
	d.log.Info("proxy listening", zap.String("addr", l.Addr().String()), zap.Int("mode", int(d.cfg.Mode)))

	var metricsSrv *http.Server
	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Warn("metrics server error", zap.Error(err))
			}
		}()
	}

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		d.log.Info("proxy shutting down")
		l.Close()
		cancelSessions()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			d.shutdownShared()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pgtemp proxy: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(sessionCtx, conn)
		}()
	}
}

// shutdownShared tears down the single-mode shared cluster, if one was
// ever started. Safe to call even if no shared cluster exists.
func (d *Daemon) shutdownShared() {
	d.mu.Lock()
	shared := d.shared
	d.shared = nil
	d.mu.Unlock()
	if shared != nil {
		shared.Shutdown()
	}
}

func (d *Daemon) handleConn(ctx context.Context, client net.Conn) {
	id := uuid.NewString()
	log := d.log.With(zap.String("session", id), zap.String("remote", client.RemoteAddr().String()))
	d.metrics.sessionStarted()

	var err error
	switch d.cfg.Mode {
	case ModeSingle:
		err = d.serveSingle(ctx, client, log)
	default:
		err = d.serveNormal(ctx, client, log)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Warn("session ended with error", zap.Error(err))
	}
	d.metrics.sessionEnded(modeLabel(d.cfg.Mode), outcome)
	client.Close()
}

func modeLabel(m Mode) string {
	if m == ModeSingle {
		return "single"
	}
	return "normal"
}
