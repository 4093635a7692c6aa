package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tcpPipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		acceptCh <- c
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	require.NotNil(t, server)
	return client, server
}

func TestSpliceBidirectionalCopiesBothDirections(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a1.Close()
	defer b1.Close()

	done := make(chan error, 1)
	go func() { done <- spliceBidirectional(a2, b2) }()

	_, err := a1.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(b1, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = b1.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(a1, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	a1.Close()
	b1.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not finish after both ends closed")
	}
}
