// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

/*
Package pgtemp starts and controls ephemeral PostgreSQL clusters for use
in automated tests, without relying on containers. A Cluster owns one
data directory and one running postgres process; Start boots a cluster
and blocks until it is ready to accept connections, and Shutdown tears
it down idempotently, reclaiming the data directory unless Persist was
requested.
*/
package pgtemp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-password/password"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Cluster.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateBooting
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateBooting:
		return "Booting"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

const (
	defaultBootTimeout  = 30 * time.Second
	shutdownWaitTimeout = 5 * time.Second
)

// Cluster represents exactly one live PostgreSQL cluster: a data
// directory and the postgres process bound to it. At most one Cluster
// owns any given data directory or port at a time. The zero value is not
// usable; construct one with (*Builder).Start or (*Builder).StartContext.
type Cluster struct {
	mu sync.Mutex

	dataDir  string
	host     string
	port     uint16
	user     string
	password string
	dbname   string
	persist  bool

	configOverrides map[string]string

	proc  *exec.Cmd
	state State
	log   *zap.Logger

	id string
}

// DataDir returns the cluster's temporary data directory.
func (c *Cluster) DataDir() string { return c.dataDir }

// Host returns the loopback address the cluster is bound to.
func (c *Cluster) Host() string { return c.host }

// Port returns the TCP port the cluster is bound to.
func (c *Cluster) Port() uint16 { return c.port }

// State returns the cluster's current lifecycle state.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionURI returns a URI accepted by a PostgreSQL client immediately
// after Start returns.
func (c *Cluster) ConnectionURI() URI {
	return URI{
		Scheme:   "postgresql",
		User:     c.user,
		Password: c.password,
		Host:     c.host,
		Port:     c.port,
		DBName:   c.dbname,
	}
}

// Start synchronously boots a Cluster from b. It is equivalent to
// StartContext with a context bounded by b.BootTimeout.
func (b *Builder) Start() (*Cluster, error) {
	return b.StartContext(context.Background())
}

// StartContext boots a Cluster from b, honoring ctx for cancellation in
// addition to the builder's own boot timeout. Any error during
// construction leaves no partial artifacts behind: a spawned initdb or
// postgres process and any created directory are reclaimed before the
// error is returned.
func (b *Builder) StartContext(ctx context.Context) (c *Cluster, err error) {
	const op = "Start"
	b = b.withDefaults()

	if os.Geteuid() == 0 && b.RunAsUser == "" {
		return nil, newErr(op, KindRootNotAllowed, errors.New("refusing to boot postgres as root; set Builder.RunAsUser"))
	}

	ctx, cancel := context.WithTimeout(ctx, b.BootTimeout)
	defer cancel()

	c = &Cluster{
		host:            b.Host,
		user:            b.User,
		dbname:          b.DBName,
		persist:         b.Persist,
		configOverrides: b.ConfigOverrides,
		state:           StateInitializing,
		log:             b.Logger,
		id:              uuid.NewString(),
	}

	// Transactional cleanup: any error from here reclaims everything
	// built so far. The deferred func keeps its own reference because the
	// error returns below set the named result c to nil.
	partial := c
	defer func() {
		if err != nil {
			partial.mu.Lock()
			partial.state = StateTerminated
			partial.mu.Unlock()
			partial.reap()
		}
	}()

	c.password = b.Password
	if c.password == "" {
		c.password, err = password.Generate(20, 5, 0, false, false)
		if err != nil {
			return nil, newErr(op, KindSetupFailed, err)
		}
	}

	c.port = b.Port
	if c.port == 0 {
		c.port, err = reservePortWithRetry(ctx)
		if err != nil {
			return nil, err
		}
	}

	c.dataDir, err = os.MkdirTemp(b.DataDirPrefix, "pgtemp-"+c.id[:8]+"-")
	if err != nil {
		return nil, newErr(op, KindSetupFailed, err)
	}

	if err = c.initdb(ctx, b); err != nil {
		return nil, err
	}

	if err = b.writeConfigOverrides(c.configFile()); err != nil {
		return nil, newErr(op, KindSetupFailed, err)
	}

	c.mu.Lock()
	c.state = StateBooting
	c.mu.Unlock()

	if err = c.bootServer(ctx, b); err != nil {
		return nil, err
	}

	if err = c.waitReady(ctx); err != nil {
		return nil, err
	}

	if c.dbname != "postgres" {
		if err = c.createdb(ctx, c.dbname); err != nil {
			return nil, newErr(op, KindBootFailed, err)
		}
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	if b.DumpPath != "" {
		if err = c.LoadFrom(b.DumpPath); err != nil {
			return nil, err
		}
	}

	c.log.Info("cluster ready",
		zap.String("id", c.id), zap.String("data_dir", c.dataDir),
		zap.Uint16("port", c.port))
	return c, nil
}

func (c *Cluster) configFile() string { return filepath.Join(c.dataDir, "postgresql.conf") }

func (c *Cluster) initdb(ctx context.Context, b *Builder) error {
	const op = "initdb"
	pwFile := filepath.Join(os.TempDir(), "pgtemp-pwfile-"+c.id)
	if err := os.WriteFile(pwFile, []byte(c.password), 0600); err != nil {
		return newErr(op, KindSetupFailed, err)
	}
	defer os.Remove(pwFile)

	args := []string{
		"-D", c.dataDir,
		"--username=" + c.user,
		"--pwfile=" + pwFile,
		"--auth=" + b.AuthMethod,
	}
	if v, err := postgresVersion(); err == nil && supportsNoSync(v) {
		args = append(args, "--no-sync")
	}
	cmd := exec.CommandContext(ctx, "initdb", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return newErr(op, KindSetupFailed, fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (c *Cluster) bootServer(ctx context.Context, b *Builder) error {
	return c.bootServerAs(b.RunAsUser)
}

func (c *Cluster) bootServerAs(runAsUser string) error {
	const op = "boot"
	args := []string{
		"-D", c.dataDir,
		"-p", fmt.Sprint(c.port),
		"-h", c.host,
		"-F",
	}
	var cmd *exec.Cmd
	if runAsUser != "" {
		cmd = exec.Command("su", runAsUser, "-c", "postgres "+strings.Join(args, " "))
	} else {
		cmd = exec.Command("postgres", args...)
	}
	if err := cmd.Start(); err != nil {
		return newErr(op, KindBootFailed, err)
	}
	c.mu.Lock()
	c.proc = cmd
	c.mu.Unlock()
	return nil
}

// Boot starts the postgres server process for a Cluster whose data
// directory was already initialized (typically one returned by
// FromTemplate, where initdb was run once when the template was
// frozen) and waits for it to become Ready. If the Cluster has no port
// assigned yet, one is allocated. runAsUser mirrors Builder.RunAsUser
// for root-safety when booting as UID 0.
func (c *Cluster) Boot(ctx context.Context, runAsUser string) error {
	const op = "Boot"
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateUninitialized {
		return newErr(op, KindSetupFailed, fmt.Errorf("cluster is %s, not Uninitialized", state))
	}
	if os.Geteuid() == 0 && runAsUser == "" {
		return newErr(op, KindRootNotAllowed, errors.New("refusing to boot postgres as root; pass runAsUser"))
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.host == "" {
		c.host = "127.0.0.1"
	}

	var err error
	if c.port == 0 {
		c.port, err = reservePortWithRetry(ctx)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = StateBooting
	c.mu.Unlock()

	if err := c.bootServerAs(runAsUser); err != nil {
		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()
		return err
	}
	if err := c.waitReady(ctx); err != nil {
		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()
		c.reap()
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// waitReady polls for the server process's readiness with exponential
// backoff, failing BootFailed if the process exits first and Timeout if
// the boot timeout elapses first.
func (c *Cluster) waitReady(ctx context.Context) error {
	const op = "waitReady"

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	exited := make(chan error, 1)
	go func() {
		c.mu.Lock()
		proc := c.proc
		c.mu.Unlock()
		err := proc.Wait()
		exited <- err
		cancelPoll()
	}()

	b, err := retry.NewExponential(20 * time.Millisecond)
	if err != nil {
		return newErr(op, KindBootFailed, err)
	}
	b = retry.WithCappedDuration(200*time.Millisecond, b)

	pollErr := retry.Do(pollCtx, b, func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, fmt.Sprintf("postgresql://%s:%s@%s:%d/postgres?sslmode=disable&connect_timeout=1",
			c.user, c.password, c.host, c.port))
		if err != nil {
			return retry.RetryableError(err)
		}
		defer conn.Close(ctx)
		if err := conn.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if pollErr == nil {
		return nil
	}

	select {
	case werr := <-exited:
		return newErr(op, KindBootFailed, fmt.Errorf("postgres exited before ready: %w", werr))
	default:
	}
	if ctx.Err() != nil {
		return newErr(op, KindTimeout, ctx.Err())
	}
	return newErr(op, KindBootFailed, pollErr)
}

func (c *Cluster) adminDSN(dbname string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
		c.user, c.password, c.host, c.port, dbname)
}

func (c *Cluster) createdb(ctx context.Context, name string) error {
	return c.CreateDatabase(ctx, name)
}

// CreateDatabase issues CREATE DATABASE for name against this cluster's
// admin connection. It is exported for callers (such as the single-mode
// proxy) that allocate additional databases against an already-Ready
// cluster; those callers are responsible for serializing concurrent
// calls themselves, since PostgreSQL disallows concurrent CREATE
// DATABASE statements against the same cluster.
func (c *Cluster) CreateDatabase(ctx context.Context, name string) error {
	conn, err := pgx.Connect(ctx, c.adminDSN("postgres"))
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgQuoteIdent(name)))
	return err
}

// DropDatabase issues DROP DATABASE for name. Used by single mode's
// optional per-session hygiene cleanup.
func (c *Cluster) DropDatabase(ctx context.Context, name string) error {
	conn, err := pgx.Connect(ctx, c.adminDSN("postgres"))
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgQuoteIdent(name)))
	return err
}

// pgQuoteIdent double-quotes a PostgreSQL identifier, doubling any
// embedded quote characters. Used for CREATE/DROP DATABASE targets: the
// Builder's DBName and the pgtemp_<N> names that internal/proxy/single.go
// generates from its own counter, never names taken from client bytes.
func pgQuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Shutdown consumes the handle: it sends SIGINT (fast shutdown) to the
// server process, waits up to 5s, escalates to SIGKILL if necessary, and
// then deletes the data directory unless the cluster was built with
// Persist. Shutdown is idempotent and safe to call multiple times or
// from a deferred cleanup path; it never returns an error that the
// caller is required to check — failures are logged and swallowed,
// matching the "never fail a program from teardown" contract.
func (c *Cluster) Shutdown() error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	c.mu.Unlock()

	c.reap()

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	return nil
}

// reap performs the actual teardown work and is safe to call on a
// partially constructed cluster (some fields may be zero).
func (c *Cluster) reap() {
	c.mu.Lock()
	proc := c.proc
	dataDir := c.dataDir
	persist := c.persist
	log := c.log
	c.mu.Unlock()

	if log == nil {
		log = zap.NewNop()
	}

	if proc != nil && proc.Process != nil {
		if err := proc.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("sigint failed", zap.Error(err))
		}
		done := make(chan error, 1)
		go func() { done <- proc.Wait() }()
		select {
		case <-done:
		case <-time.After(shutdownWaitTimeout):
			if err := proc.Process.Kill(); err != nil {
				log.Warn("sigkill failed", zap.Error(err))
			}
			<-done
		}
	}

	if dataDir != "" && !persist {
		if err := os.RemoveAll(dataDir); err != nil {
			log.Warn("data dir cleanup failed", zap.String("dir", dataDir), zap.Error(err))
		}
	}
}

// Clone copies a stopped cluster's data directory into destDir and
// returns a new, not-yet-started handle bound to it. It refuses to
// clone a Ready cluster: copying a live data directory produces a
// corrupt cluster.
func (c *Cluster) Clone(destDir string) (*Cluster, error) {
	const op = "Clone"
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateReady || state == StateBooting {
		return nil, newErr(op, KindSetupFailed, errors.New("cannot clone a running cluster"))
	}
	if _, err := os.Stat(destDir); err == nil {
		return nil, newErr(op, KindSetupFailed, errors.New("destination already exists"))
	} else if !os.IsNotExist(err) {
		return nil, newErr(op, KindSetupFailed, err)
	}
	if out, err := execCopyDir(c.dataDir, destDir); err != nil {
		return nil, newErr(op, KindSetupFailed, fmt.Errorf("%w: %s", err, out))
	}

	c.mu.Lock()
	cloned := &Cluster{
		dataDir:         destDir,
		host:            c.host,
		user:            c.user,
		password:        c.password,
		dbname:          c.dbname,
		persist:         c.persist,
		configOverrides: c.configOverrides,
		log:             c.log,
		id:              uuid.NewString(),
		state:           StateUninitialized,
	}
	c.mu.Unlock()
	return cloned, nil
}

// execCopyDir shells out to cp -r to copy a stopped cluster's data
// directory, the same approach the teacher used. It only runs on
// systems with a cp binary available.
func execCopyDir(src, dst string) ([]byte, error) {
	return exec.Command("cp", "-r", src, dst).CombinedOutput()
}
