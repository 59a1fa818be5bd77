package relay

import (
	"context"
	"net"
)

// Listen opens an ephemeral TCP listener for a BIND request and returns
// it; the caller is responsible for replying with its address and then
// calling Accept.
func Listen(bindAddr string) (*net.TCPListener, error) {
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0"
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// Accept blocks for the single inbound peer connection a BIND listener
// expects, honoring ctx cancellation.
func Accept(ctx context.Context, ln *net.TCPListener) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		<-ch
		return nil, ctx.Err()
	case r := <-ch:
		return r.c, r.err
	}
}
