// Copyright 2014, Surul Software Labs GmbH
// All rights reserved.

package pgtemp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
)

// minPortAttempts is the minimum number of bind attempts the allocator
// makes before surfacing PortUnavailable, per the bind-to-0 TOCTOU race
// described in the design.
const minPortAttempts = 3

// reservePort binds a throwaway socket to 127.0.0.1:0, reads back the
// port the kernel assigned, and closes it. The socket is held open until
// the port number is read so that concurrent callers within one process
// never observe the same port.
func reservePort() (uint16, error) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return 0, err
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	return uint16(port), nil
}

// reservePortWithRetry retries reservePort with a Fibonacci backoff,
// surfacing KindPortUnavailable only once at least minPortAttempts have
// failed.
func reservePortWithRetry(ctx context.Context) (uint16, error) {
	b, err := retry.NewFibonacci(10 * time.Millisecond)
	if err != nil {
		return 0, newErr("reservePort", KindPortUnavailable, err)
	}
	b = retry.WithMaxRetries(minPortAttempts-1, b)

	var port uint16
	var lastErr error
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		p, err := reservePort()
		if err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		port = p
		return nil
	})
	if err != nil {
		return 0, newErr("reservePort", KindPortUnavailable, fmt.Errorf("after %d attempts: %w", minPortAttempts, lastErr))
	}
	return port, nil
}
