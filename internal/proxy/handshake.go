package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readStartupMessage reads the client's first message on the wire. It
// transparently refuses any number of leading SSLRequest/GSSENCRequest
// upgrade attempts (responding with a single 'N' byte, per the protocol)
// before reading the real startup packet, so single mode never has to
// speak TLS to rewrite a client's requested database.
func readStartupMessage(rw io.ReadWriter) (*startupMessage, error) {
	for {
		length, body, err := readLengthPrefixed(rw)
		if err != nil {
			return nil, err
		}
		if length == 8 && len(body) == 4 {
			code := binary.BigEndian.Uint32(body)
			if code == sslRequestCode || code == gssEncRequestCode {
				if _, err := rw.Write([]byte{'N'}); err != nil {
					return nil, proxyIOErr("refuse ssl/gss upgrade", err)
				}
				continue
			}
		}
		if len(body) < 4 {
			return nil, protocolRewriteErr("readStartupMessage", fmt.Errorf("startup packet too short: %d bytes", length))
		}
		version := binary.BigEndian.Uint32(body[:4])
		if version != protocolVersion3 {
			return nil, protocolRewriteErr("readStartupMessage", fmt.Errorf("unsupported protocol version 0x%08x", version))
		}
		return decodeStartupMessage(version, body[4:])
	}
}

// readLengthPrefixed reads a PostgreSQL length-prefixed frame: a 4-byte
// big-endian length (inclusive of itself) followed by length-4 bytes of
// body. Failures to read from the wire are ProxyIO (a transport problem);
// an implausible length is ProtocolRewrite (a malformed packet).
func readLengthPrefixed(r io.Reader) (length uint32, body []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, proxyIOErr("read startup packet length", err)
	}
	length = binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || length > 10_000 {
		return 0, nil, protocolRewriteErr("readLengthPrefixed", fmt.Errorf("implausible startup packet length %d", length))
	}
	body = make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, proxyIOErr("read startup packet body", err)
	}
	return length, body, nil
}
