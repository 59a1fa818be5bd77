package upstream

import (
	"context"
	"fmt"
	"io"
	"net"

	"socksguard/internal/model"
)

type socks5Dialer struct{}

const (
	methodNoAuth   = 0x00
	methodUserPass = 0x02
)

// Dial performs a nested SOCKS5 handshake against up, requesting
// CONNECT to targetHostPort, and returns the established tunnel.
func (socks5Dialer) Dial(ctx context.Context, up model.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	conn, err := dialHop(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("dial upstream socks5 %s: %w", up.Address, err)
	}
	tunneled, err := socks5Handshake(ctx, conn, up, targetHostPort)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunneled, nil
}

// socks5Handshake runs the client side of a SOCKS5 negotiation over an
// already-established conn (either a fresh dial to up, or a tunnel
// through a prior chain hop), requesting CONNECT to targetHostPort.
func socks5Handshake(ctx context.Context, conn net.Conn, up model.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(targetHostPort)
	if err != nil {
		return nil, fmt.Errorf("bad target %q: %w", targetHostPort, err)
	}

	if _, err := conn.Write([]byte{0x05, 0x02, methodNoAuth, methodUserPass}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 greeting write: %w", err)
	}
	gr := make([]byte, 2)
	if _, err := io.ReadFull(conn, gr); err != nil || gr[0] != 0x05 {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 greeting read: %w", err)
	}

	switch gr[1] {
	case methodNoAuth:
	case methodUserPass:
		if err := authenticate(conn, up.Username, up.Password); err != nil {
			_ = conn.Close()
			return nil, err
		}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 upstream selected unsupported method %#x", gr[1])
	}

	if err := sendConnect(conn, host, port); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := readConnectReply(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debugf("socks5 upstream tunnel established via=%s target=%s", up.Address, targetHostPort)
	return conn, nil
}

func authenticate(conn net.Conn, user, pass string) error {
	if len(user) > 255 || len(pass) > 255 {
		return fmt.Errorf("socks5 upstream creds too long")
	}
	buf := append([]byte{0x01, byte(len(user))}, []byte(user)...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, []byte(pass)...)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("socks5 auth write: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5 auth read: %w", err)
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("socks5 upstream auth rejected status=%#x", resp[1])
	}
	return nil
}

func sendConnect(conn net.Conn, host, port string) error {
	var p int
	fmt.Sscanf(port, "%d", &p)
	var atyp byte
	var addr []byte
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			atyp, addr = 0x01, v4
		} else {
			atyp, addr = 0x04, ip.To16()
		}
	} else {
		atyp = 0x03
		addr = append([]byte{byte(len(host))}, []byte(host)...)
	}
	req := append([]byte{0x05, 0x01, 0x00, atyp}, addr...)
	req = append(req, byte(p>>8), byte(p))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 connect write: %w", err)
	}
	return nil
}

func readConnectReply(conn net.Conn) error {
	h := make([]byte, 4)
	if _, err := io.ReadFull(conn, h); err != nil {
		return fmt.Errorf("socks5 connect reply: %w", err)
	}
	if h[1] != 0x00 {
		return fmt.Errorf("socks5 upstream refused connect rep=%#x", h[1])
	}
	var skip int
	switch h[3] {
	case 0x01:
		skip = 4
	case 0x04:
		skip = 16
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return err
		}
		skip = int(l[0])
	default:
		return fmt.Errorf("socks5 upstream bad atyp %#x in reply", h[3])
	}
	_, err := io.CopyN(io.Discard, conn, int64(skip+2))
	return err
}
