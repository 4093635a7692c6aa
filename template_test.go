// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreezeAndFromTemplate(t *testing.T) {
	requirePostgresBinaries(t)

	b := &Builder{}
	c, err := b.Start()
	require.NoError(t, err)
	defer c.Shutdown()

	templateDir := t.TempDir()
	// Freeze needs a stopped cluster whose data directory still exists
	// on disk, so the golden copy is built with Persist so Shutdown
	// doesn't reclaim it before Freeze runs.
	golden, err := (&Builder{Persist: true}).Start()
	require.NoError(t, err)
	goldenDir := golden.DataDir()
	require.NoError(t, golden.Shutdown())
	defer os.RemoveAll(goldenDir)

	require.NoError(t, golden.Freeze(templateDir, "mytpl"))

	cloneDest := t.TempDir() + "/clone"
	cloned, err := FromTemplate(templateDir, "mytpl", cloneDest)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, cloned.State())

	require.NoError(t, cloned.Boot(context.Background(), ""))
	defer cloned.Shutdown()
	assert.Equal(t, StateReady, cloned.State())

	db, err := sql.Open("pgx", cloned.ConnectionURI().String())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	require.NoError(t, DeleteTemplate(templateDir, "mytpl"))
	_, err = os.Stat(templateDir)
	assert.NoError(t, err) // parent dir remains, just the named template is gone
}
