// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"regexp"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boustrophedon/pgtemp"
)

func requirePostgresBinaries(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"initdb", "postgres"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found on PATH, skipping", bin)
		}
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// S3: daemon normal mode — two sessions each see an empty schema.
func TestDaemonNormalModeIsolation(t *testing.T) {
	requirePostgresBinaries(t)

	addr := freeAddr(t)
	d := New(Config{
		ListenAddr: addr,
		Template:   pgtemp.URI{User: "postgres", Password: "password", DBName: "d"},
		Mode:       ModeNormal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 2; i++ {
		dsn := fmt.Sprintf("postgresql://postgres:password@%s/d?sslmode=disable", addr)
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		_, err = db.Exec("CREATE TABLE foo (x int)")
		assert.NoError(t, err, "session %d should see an empty schema", i)
		db.Close()
	}

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

// SPEC_FULL.md §4.5 metrics addition: the optional second listener serves
// /metrics and /healthz without touching the Postgres-facing listener.
func TestDaemonServesMetricsAndHealthz(t *testing.T) {
	addr := freeAddr(t)
	metricsAddr := freeAddr(t)
	d := New(Config{
		ListenAddr:  addr,
		Template:    pgtemp.URI{User: "postgres", Password: "password", DBName: "d"},
		Mode:        ModeNormal,
		MetricsAddr: metricsAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	healthResp, err := http.Get(fmt.Sprintf("http://%s/healthz", metricsAddr))
	require.NoError(t, err)
	defer healthResp.Body.Close()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)

	metricsResp, err := http.Get(fmt.Sprintf("http://%s/metrics", metricsAddr))
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pgtemp_proxy_sessions_active")

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

// S4: daemon single mode — sessions land on distinct pgtemp_<N> databases.
func TestDaemonSingleModeDistinctDatabases(t *testing.T) {
	requirePostgresBinaries(t)

	addr := freeAddr(t)
	d := New(Config{
		ListenAddr: addr,
		Template:   pgtemp.URI{User: "postgres", Password: "password", DBName: "ignored"},
		Mode:       ModeSingle,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	re := regexp.MustCompile(`^pgtemp_\d+$`)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		dsn := fmt.Sprintf("postgresql://postgres:password@%s/whatever?sslmode=disable", addr)
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		var current string
		require.NoError(t, db.QueryRow("SELECT current_database()").Scan(&current))
		db.Close()
		assert.Regexp(t, re, current)
		assert.False(t, seen[current], "database name reused: %s", current)
		seen[current] = true
	}

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
