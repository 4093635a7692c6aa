// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"testing"

	"github.com/blang/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionRegex(t *testing.T) {
	cases := map[string]string{
		"postgres (PostgreSQL) 16.2":         "16.2",
		"postgres (PostgreSQL) 9.6.24":       "9.6.24",
		"pg_ctl (PostgreSQL) 15.4 (Debian)":  "15.4",
	}
	for input, want := range cases {
		got := versionRe.FindString(input)
		assert.Equal(t, want, got, input)
	}
}

func TestSupportsNoSync(t *testing.T) {
	assert.True(t, supportsNoSync(semver.MustParse("16.2.0")))
	assert.False(t, supportsNoSync(semver.MustParse("9.2.0")))
}

func TestHasTwoDots(t *testing.T) {
	assert.True(t, hasTwoDots("9.6.24"))
	assert.False(t, hasTwoDots("16.2"))
}

func TestPostgresVersionRequiresBinary(t *testing.T) {
	_, err := postgresVersion()
	if err != nil {
		t.Skip("postgres binary not available")
	}
	require.NoError(t, err)
}
