package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"socksguard/internal/socks5proto"
)

const (
	maxUDPPacket = 64 * 1024
	readPoll     = 2 * time.Second
)

// UDPAssociate runs a single UDP ASSOCIATE session: a dedicated local
// UDP socket relays datagrams between the client and whatever
// destination each datagram's SOCKS5 header names, switching the
// upstream UDP socket on the fly if the client targets a new host.
// It blocks until ctx is canceled or the TCP control connection
// (ctrl) is closed by the client, then returns the bytes moved in
// each direction.
func UDPAssociate(ctx context.Context, ctrl net.Conn, pc *net.UDPConn) (up, down int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		dstMu sync.Mutex
		dst   *net.UDPConn

		cliMu   sync.Mutex
		cliAddr *net.UDPAddr

		upBytes, downBytes atomic.Int64
	)

	resolveUp := func(sendTo string) (*net.UDPConn, error) {
		raddr, err := net.ResolveUDPAddr("udp", sendTo)
		if err != nil {
			return nil, err
		}
		return net.DialUDP("udp", nil, raddr)
	}

	// client -> upstream
	go func() {
		buf := make([]byte, maxUDPPacket)
		for {
			_ = pc.SetReadDeadline(time.Now().Add(readPoll))
			n, ca, err := pc.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				cancel()
				return
			}
			cliMu.Lock()
			cliAddr = ca
			cliMu.Unlock()

			sendTo, payload, err := socks5proto.ParseUDPDatagram(buf[:n])
			if err != nil {
				continue
			}

			dstMu.Lock()
			if dst == nil || dst.RemoteAddr() == nil || dst.RemoteAddr().String() != sendTo {
				if dst != nil {
					_ = dst.Close()
				}
				d, err := resolveUp(sendTo)
				if err != nil {
					dstMu.Unlock()
					continue
				}
				dst = d
			}
			_ = dst.SetWriteDeadline(time.Now().Add(readPoll))
			_, err = dst.Write(payload)
			dstMu.Unlock()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				cancel()
				return
			}
			upBytes.Add(int64(len(payload)))
		}
	}()

	// upstream -> client
	go func() {
		buf := make([]byte, maxUDPPacket)
		for {
			dstMu.Lock()
			d := dst
			dstMu.Unlock()
			if d == nil {
				select {
				case <-time.After(50 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			_ = d.SetReadDeadline(time.Now().Add(readPoll))
			n, src, err := d.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				cancel()
				return
			}
			reply := socks5proto.BuildUDPDatagram(src.String(), buf[:n])

			cliMu.Lock()
			ca := cliAddr
			cliMu.Unlock()
			if ca == nil {
				continue
			}
			_ = pc.SetWriteDeadline(time.Now().Add(readPoll))
			if _, err := pc.WriteToUDP(reply, ca); err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				cancel()
				return
			}
			downBytes.Add(int64(n))
		}
	}()

	// The TCP control connection stays open for the lifetime of the
	// association; its closure (or ctx cancellation) ends the relay.
	tmp := make([]byte, 1)
	for {
		_ = ctrl.SetReadDeadline(time.Now().Add(readPoll))
		if _, err := ctrl.Read(tmp); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					break
				}
				continue
			}
			break
		}
	}
	cancel()

	dstMu.Lock()
	if dst != nil {
		_ = dst.Close()
	}
	dstMu.Unlock()

	return upBytes.Load(), downBytes.Load()
}
