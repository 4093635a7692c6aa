package proxy

import "github.com/boustrophedon/pgtemp"

// proxyIOErr wraps a session transport failure (dial, splice, write) as a
// *pgtemp.Error with KindProxyIO, per §7: the session is terminated but the
// daemon keeps running. Returns nil if err is nil.
func proxyIOErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &pgtemp.Error{Op: op, Kind: pgtemp.KindProxyIO, Err: err}
}

// protocolRewriteErr wraps a malformed single-mode startup packet as a
// *pgtemp.Error with KindProtocolRewrite. Returns nil if err is nil.
func protocolRewriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &pgtemp.Error{Op: op, Kind: pgtemp.KindProtocolRewrite, Err: err}
}
