// Package relay implements C4: the bidirectional data-plane pipe and
// the CONNECT/BIND/UDP ASSOCIATE relay state machines built on top of it.
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"socksguard/internal/logx"
)

var log = logx.New(logx.WithPrefix("relay"))

func enableTCPKA(c net.Conn, period time.Duration) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		if period > 0 {
			_ = tc.SetKeepAlivePeriod(period)
		}
		_ = tc.SetNoDelay(true)
	}
}

// deadlineWriter applies a write deadline without touching the read
// side, so an idle but still-readable long-lived connection isn't cut.
type deadlineWriter struct {
	net.Conn
	idle time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if d.idle > 0 {
		_ = d.Conn.SetWriteDeadline(time.Now().Add(d.idle))
	}
	return d.Conn.Write(p)
}

func closeWriteIfTCP(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// nudge forces any in-flight blocking Read/Write on c to return
// immediately, used to unstick a copy loop on cancellation.
func nudge(c net.Conn) {
	_ = c.SetReadDeadline(time.Now())
	_ = c.SetWriteDeadline(time.Now())
}

// Pipe relays bytes bidirectionally between left and right until both
// directions reach EOF or ctx is canceled, then closes both sides. It
// returns the bytes copied left->right (up) and right->left (down).
func Pipe(ctx context.Context, left, right net.Conn, idleWrite time.Duration) (up, down int64) {
	enableTCPKA(left, 30*time.Second)
	enableTCPKA(right, 30*time.Second)

	lw := &deadlineWriter{Conn: left, idle: idleWrite}
	rw := &deadlineWriter{Conn: right, idle: idleWrite}

	var wg sync.WaitGroup
	wg.Add(2)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			nudge(left)
			nudge(right)
			time.AfterFunc(200*time.Millisecond, func() {
				_ = left.Close()
				_ = right.Close()
			})
		case <-done:
		}
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(rw, left)
		up = n
		closeWriteIfTCP(right)
		nudge(right)
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(lw, right)
		down = n
		closeWriteIfTCP(left)
		nudge(left)
	}()

	wg.Wait()
	close(done)
	_ = left.Close()
	_ = right.Close()
	return up, down
}
