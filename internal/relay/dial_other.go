//go:build !linux

package relay

import "syscall"

// tuneSocket is a no-op outside Linux; the Linux build tunes
// TCP_NODELAY and keepalive timing directly on the fd.
func tuneSocket(network, address string, c syscall.RawConn) error {
	return nil
}
