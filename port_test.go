// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservePortDistinct(t *testing.T) {
	ports := make(map[uint16]bool)
	for i := 0; i < 20; i++ {
		p, err := reservePort()
		require.NoError(t, err)
		assert.False(t, ports[p], "port %d reserved twice", p)
		ports[p] = true
		assert.NotZero(t, p)
	}
}

func TestReservePortWithRetry(t *testing.T) {
	p, err := reservePortWithRetry(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, p)
}
