// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	b := (&Builder{}).withDefaults()
	assert.Equal(t, "postgres", b.User)
	assert.Equal(t, "127.0.0.1", b.Host)
	assert.Equal(t, "postgres", b.DBName)
	assert.Equal(t, "password", b.AuthMethod)
	assert.Equal(t, defaultBootTimeout, b.BootTimeout)
	assert.NotNil(t, b.Logger)
}

func TestConfigParamChaining(t *testing.T) {
	b := &Builder{}
	b.ConfigParam("max_connections", "42").ConfigParam("fsync", "off")
	assert.Equal(t, "42", b.ConfigOverrides["max_connections"])
	assert.Equal(t, "off", b.ConfigOverrides["fsync"])
}

func TestApplyConfigOpts(t *testing.T) {
	b := &Builder{}
	Apply(b, TestConfig)
	for _, opt := range TestConfig {
		assert.Equal(t, opt.Value, b.ConfigOverrides[opt.Key])
	}
}

func TestWriteConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	require.NoError(t, os.WriteFile(path, []byte("# base\n"), 0600))

	b := &Builder{}
	b.ConfigParam("max_connections", "42")
	require.NoError(t, b.writeConfigOverrides(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "max_connections = '42'")
}

func TestWriteConfigOverridesNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	require.NoError(t, os.WriteFile(path, []byte("# base\n"), 0600))

	b := &Builder{}
	require.NoError(t, b.writeConfigOverrides(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# base\n", string(contents))
}
