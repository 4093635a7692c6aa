// Package proxy implements the pgtemp daemon: a TCP front-end that
// synthesizes a fresh backing PostgreSQL cluster (or database, in single
// mode) for every accepted client connection and splices bytes between
// the client and the backing server.
package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// sslRequestCode and gssEncRequestCode are the well-known startup codes
// PostgreSQL clients send in place of a protocol version when they want
// to negotiate SSL or GSS encryption before the real startup packet.
const (
	sslRequestCode    = 0x04d2162f
	gssEncRequestCode = 0x04d21630
	protocolVersion3  = 0x00030000
)

// startupMessage is a decoded PostgreSQL v3 startup packet: a protocol
// version and an ordered list of key/value parameters.
type startupMessage struct {
	version uint32
	params  []keyValue
}

type keyValue struct {
	key, value string
}

func (m *startupMessage) get(key string) (string, bool) {
	for _, kv := range m.params {
		if kv.key == key {
			return kv.value, true
		}
	}
	return "", false
}

func (m *startupMessage) set(key, value string) {
	for i := range m.params {
		if m.params[i].key == key {
			m.params[i].value = value
			return
		}
	}
	m.params = append(m.params, keyValue{key, value})
}

// encode renders the startup message back to wire format, recomputing
// the length prefix: 4 (length) + 4 (version) + sum(len(key)+1+len(value)+1)
// + 1 (terminator).
func (m *startupMessage) encode() []byte {
	var body bytes.Buffer
	for _, kv := range m.params {
		body.WriteString(kv.key)
		body.WriteByte(0)
		body.WriteString(kv.value)
		body.WriteByte(0)
	}
	body.WriteByte(0)

	total := 4 + 4 + body.Len()
	out := make([]byte, 4, total)
	binary.BigEndian.PutUint32(out, uint32(total))
	out = binary.BigEndian.AppendUint32(out, m.version)
	out = append(out, body.Bytes()...)
	return out
}

// decodeStartupMessage parses a raw startup packet body (everything
// after the 4-byte length and 4-byte version already consumed by the
// caller) into key/value pairs. It returns ProtocolRewrite-worthy errors
// for any malformed input: an odd number of strings, a value string with
// no terminator, or a missing final NUL.
func decodeStartupMessage(version uint32, body []byte) (*startupMessage, error) {
	if len(body) == 0 || body[len(body)-1] != 0 {
		return nil, protocolRewriteErr("decodeStartupMessage", fmt.Errorf("startup packet body missing terminator"))
	}
	body = body[:len(body)-1] // drop the final NUL

	var strs []string
	for len(body) > 0 {
		i := bytes.IndexByte(body, 0)
		if i < 0 {
			return nil, protocolRewriteErr("decodeStartupMessage", fmt.Errorf("unterminated string in startup packet"))
		}
		strs = append(strs, string(body[:i]))
		body = body[i+1:]
	}
	if len(strs)%2 != 0 {
		return nil, protocolRewriteErr("decodeStartupMessage", fmt.Errorf("odd number of strings in startup packet: %d", len(strs)))
	}

	m := &startupMessage{version: version}
	for i := 0; i < len(strs); i += 2 {
		m.params = append(m.params, keyValue{key: strs[i], value: strs[i+1]})
	}
	return m, nil
}

// rewriteDatabase returns a copy of the wire-format startup packet with
// the "database" parameter replaced by newDB. If no "database" parameter
// was present, one is added (PostgreSQL defaults database to the user
// name when absent, so single mode always makes the substitution
// explicit).
func rewriteDatabase(m *startupMessage, newDB string) []byte {
	clone := &startupMessage{version: m.version, params: append([]keyValue(nil), m.params...)}
	clone.set("database", newDB)
	return clone.encode()
}
