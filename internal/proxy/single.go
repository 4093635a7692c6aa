// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package proxy

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/boustrophedon/pgtemp"
)

// ensureShared lazily boots the single long-lived backing cluster on
// first accept. Subsequent calls are no-ops.
func (d *Daemon) ensureShared(ctx context.Context) (*pgtemp.Cluster, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared != nil {
		return d.shared, nil
	}
	b := &pgtemp.Builder{
		User:            d.cfg.Template.User,
		Password:        d.cfg.Template.Password,
		DBName:          d.cfg.Template.DBName,
		Persist:         d.cfg.Persist,
		ConfigOverrides: d.cfg.ConfigOverrides,
		DumpPath:        d.cfg.DumpPath,
		Logger:          d.log,
	}
	cluster, err := b.StartContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("boot shared cluster: %w", err)
	}
	d.shared = cluster
	return cluster, nil
}

func (d *Daemon) nextDatabaseName() string {
	d.mu.Lock()
	d.counter++
	n := d.counter
	d.mu.Unlock()
	return fmt.Sprintf("pgtemp_%d", n)
}

// serveSingle allocates a fresh database on the shared cluster, rewrites
// the client's startup packet to point at it, and splices the remainder
// of the session. Per-session database hygiene (dropping on close) is
// disabled by default; Config.DropSessionDatabases controls it and is
// read once at daemon construction, so it is applied consistently across
// the daemon's lifetime, per the design's "either always drop or never
// drop" requirement.
func (d *Daemon) serveSingle(ctx context.Context, client net.Conn, log *zap.Logger) error {
	cluster, err := d.ensureShared(ctx)
	if err != nil {
		return err
	}

	msg, err := readStartupMessage(client)
	if err != nil {
		// Malformed startup packet: close with no response, per design.
		// readStartupMessage already returns a *pgtemp.Error (ProtocolRewrite
		// or ProxyIO, depending on whether the packet or the transport was
		// at fault).
		return err
	}

	dbName := d.nextDatabaseName()
	d.dbLock.Lock()
	err = cluster.CreateDatabase(ctx, dbName)
	d.dbLock.Unlock()
	if err != nil {
		return proxyIOErr(fmt.Sprintf("allocate database %s", dbName), err)
	}
	log.Info("allocated database", zap.String("database", dbName))

	rewritten := rewriteDatabase(msg, dbName)

	backend, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cluster.Host(), cluster.Port()))
	if err != nil {
		return proxyIOErr("dial shared cluster", err)
	}
	defer backend.Close()

	if _, err := backend.Write(rewritten); err != nil {
		return proxyIOErr("forward rewritten startup packet", err)
	}

	go func() {
		<-ctx.Done()
		client.Close()
		backend.Close()
	}()

	err = spliceBidirectional(client, backend)

	if d.cfg.DropSessionDatabases {
		d.dbLock.Lock()
		if dropErr := cluster.DropDatabase(context.Background(), dbName); dropErr != nil {
			log.Warn("drop session database failed", zap.String("database", dbName), zap.Error(dropErr))
		}
		d.dbLock.Unlock()
	}

	return err
}
