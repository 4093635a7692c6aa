// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// DumpTo invokes pg_dump against the cluster's default database and
// streams its output to path. The cluster must be Ready. DumpTo takes no
// internal lock: callers must not mutate schema concurrently.
func (c *Cluster) DumpTo(path string) error {
	const op = "DumpTo"
	if err := c.requireReady(op); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return newErr(op, KindDumpFailed, err)
	}
	defer out.Close()

	cmd := exec.Command("pg_dump",
		"--no-owner", "--no-privileges",
		c.adminDSN(c.dbname),
	)
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		c.log.Warn("pg_dump failed", zap.Error(err), zap.String("stderr", stderr.String()))
		return newErr(op, KindDumpFailed, fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return nil
}

// LoadFrom replays path against the cluster's default database. Plain
// SQL and text-format dumps are run through psql; custom-format archives
// (detected by the PGDMP magic header) are routed through pg_restore.
// Any other input, including a gzip-compressed file, goes to psql. The
// cluster must be Ready.
func (c *Cluster) LoadFrom(path string) error {
	const op = "LoadFrom"
	if err := c.requireReady(op); err != nil {
		return err
	}
	binary, err := isCustomFormatDump(path)
	if err != nil {
		return newErr(op, KindLoadFailed, err)
	}

	var cmd *exec.Cmd
	if binary {
		cmd = exec.Command("pg_restore",
			"--no-owner", "--no-privileges",
			"-d", c.adminDSN(c.dbname),
			path)
	} else {
		cmd = exec.Command("psql", c.adminDSN(c.dbname), "-v", "ON_ERROR_STOP=1", "-f", path)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return newErr(op, KindLoadFailed, fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (c *Cluster) requireReady(op string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReady {
		return newErr(op, KindSetupFailed, fmt.Errorf("cluster is %s, not Ready", state))
	}
	return nil
}

// isCustomFormatDump reports whether path starts with pg_dump's custom
// archive magic ("PGDMP"), as opposed to a plain SQL text dump.
func isCustomFormatDump(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, 5)
	n, err := io.ReadFull(f, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return string(buf[:n]) == "PGDMP", nil
}
