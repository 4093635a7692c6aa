package proxy

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSSLRequest() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[:4], 8)
	binary.BigEndian.PutUint32(out[4:], sslRequestCode)
	return out
}

func TestReadStartupMessageRefusesSSLThenReadsReal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(encodeSSLRequest())
		buf := make([]byte, 1)
		client.Read(buf)
		assert.Equal(t, byte('N'), buf[0])
		client.Write(encodeRawStartup(protocolVersion3, [][2]string{{"user", "alice"}, {"database", "mydb"}}))
	}()

	msg, err := readStartupMessage(server)
	require.NoError(t, err)
	db, ok := msg.get("database")
	assert.True(t, ok)
	assert.Equal(t, "mydb", db)
}

func TestReadStartupMessageDirect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(encodeRawStartup(protocolVersion3, [][2]string{{"user", "bob"}}))
	}()

	msg, err := readStartupMessage(server)
	require.NoError(t, err)
	u, ok := msg.get("user")
	assert.True(t, ok)
	assert.Equal(t, "bob", u)
}

func TestReadStartupMessageRejectsImplausibleLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, 0xffffffff)
		client.Write(buf)
	}()

	_, err := readStartupMessage(server)
	assert.Error(t, err)
}
