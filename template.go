// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// templateManifest is the on-disk record written by Freeze and read by
// FromTemplate: enough of a Cluster's identity to reboot an equivalent
// handle against a cloned data directory.
type templateManifest struct {
	User            string            `json:"user"`
	Password        string            `json:"password"`
	DBName          string            `json:"dbname"`
	ConfigOverrides map[string]string `json:"config_overrides,omitempty"`
}

func templatePath(dir, name string) (string, error) {
	v, err := postgresVersion()
	if err != nil {
		return "", fmt.Errorf("determine postgres version for template path: %w", err)
	}
	return filepath.Join(dir, name, v.String()), nil
}

// Freeze saves a stopped cluster's data directory and connection
// metadata as a reusable template under dir/name/<postgres-version>,
// so future tests can clone from it via FromTemplate instead of paying
// initdb's cost on every run. Freeze refuses to run against a Ready
// cluster, and refuses to overwrite an existing template.
func (c *Cluster) Freeze(dir, name string) error {
	const op = "Freeze"
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateReady || state == StateBooting {
		return newErr(op, KindSetupFailed, fmt.Errorf("cannot freeze a running cluster"))
	}

	path, err := templatePath(dir, name)
	if err != nil {
		return newErr(op, KindSetupFailed, err)
	}
	if _, err := os.Stat(path); err == nil {
		return newErr(op, KindSetupFailed, fmt.Errorf("template already exists at %s", path))
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return newErr(op, KindSetupFailed, err)
	}

	dataDir := filepath.Join(path, "data")
	cloned, err := c.Clone(dataDir)
	if err != nil {
		return err
	}

	manifest := templateManifest{
		User:            cloned.user,
		Password:        cloned.password,
		DBName:          cloned.dbname,
		ConfigOverrides: cloned.configOverrides,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return newErr(op, KindSetupFailed, err)
	}
	if err := os.WriteFile(path+".json", data, 0600); err != nil {
		return newErr(op, KindSetupFailed, err)
	}
	return nil
}

// FromTemplate clones a cluster previously saved with Freeze(dir, name)
// into dest (a temporary directory is used if dest is empty) and returns
// a not-yet-started handle. The returned Cluster already has an
// initialized data directory; callers start the server with
// (*Cluster).Boot.
func FromTemplate(dir, name, dest string) (*Cluster, error) {
	const op = "FromTemplate"
	path, err := templatePath(dir, name)
	if err != nil {
		return nil, newErr(op, KindSetupFailed, err)
	}
	data, err := os.ReadFile(path + ".json")
	if err != nil {
		return nil, newErr(op, KindSetupFailed, err)
	}
	var manifest templateManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, newErr(op, KindSetupFailed, err)
	}

	if dest == "" {
		tmp, err := os.MkdirTemp("", "pgtemp-template-clone-")
		if err != nil {
			return nil, newErr(op, KindSetupFailed, err)
		}
		dest = filepath.Join(tmp, "data")
	}
	if out, err := execCopyDir(filepath.Join(path, "data"), dest); err != nil {
		return nil, newErr(op, KindSetupFailed, fmt.Errorf("%w: %s", err, out))
	}

	return &Cluster{
		dataDir:         dest,
		host:            "127.0.0.1",
		user:            manifest.User,
		password:        manifest.Password,
		dbname:          manifest.DBName,
		configOverrides: manifest.ConfigOverrides,
		state:           StateUninitialized,
	}, nil
}

// DeleteTemplate removes a template saved with Freeze.
func DeleteTemplate(dir, name string) error {
	path, err := templatePath(dir, name)
	if err != nil {
		return newErr("DeleteTemplate", KindSetupFailed, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return newErr("DeleteTemplate", KindSetupFailed, err)
	}
	return os.Remove(path + ".json")
}
