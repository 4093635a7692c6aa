package proxy

import (
	"io"
	"net"
	"sync"
)

// spliceBidirectional copies bytes between a and b in both directions
// until either side's read returns an error (typically a close). Once
// one direction ends, the corresponding half of the other connection is
// shut down (CloseWrite) so the peer observes EOF promptly, and the
// function waits for the remaining direction to drain before returning.
// A non-nil return is a *pgtemp.Error with KindProxyIO: a session
// transport failure that terminates only this session.
func spliceBidirectional(a, b net.Conn) error {
	var wg sync.WaitGroup
	var aToB, bToA error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, aToB = io.Copy(b, a)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		_, bToA = io.Copy(a, b)
		closeWrite(a)
	}()
	wg.Wait()
	if aToB != nil {
		return proxyIOErr("splice", aToB)
	}
	return proxyIOErr("splice", bToA)
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if wc, ok := c.(writeCloser); ok {
		wc.CloseWrite()
	}
}
