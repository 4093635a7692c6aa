// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/boustrophedon/pgtemp"
)

// serveNormal boots a fresh, exclusive backing cluster for this one
// session, connects to it, and splices bytes until either side closes.
// The backing cluster is owned by the session: it is always torn down
// before serveNormal returns, regardless of outcome.
func (d *Daemon) serveNormal(ctx context.Context, client net.Conn, log *zap.Logger) error {
	b := &pgtemp.Builder{
		User:            d.cfg.Template.User,
		Password:        d.cfg.Template.Password,
		DBName:          d.cfg.Template.DBName,
		Persist:         d.cfg.Persist,
		ConfigOverrides: d.cfg.ConfigOverrides,
		DumpPath:        d.cfg.DumpPath,
		Logger:          d.log,
	}

	start := time.Now()
	cluster, err := b.StartContext(ctx)
	if err != nil {
		return fmt.Errorf("boot backing cluster: %w", err)
	}
	d.metrics.bootLatencySecs.Observe(time.Since(start).Seconds())
	defer cluster.Shutdown()

	log.Info("backing cluster ready", zap.String("data_dir", cluster.DataDir()), zap.Uint16("port", cluster.Port()))

	backend, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cluster.Host(), cluster.Port()))
	if err != nil {
		return proxyIOErr("dial backing cluster", err)
	}
	defer backend.Close()

	go func() {
		<-ctx.Done()
		client.Close()
		backend.Close()
	}()

	return spliceBidirectional(client, backend)
}
