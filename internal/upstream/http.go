package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"socksguard/internal/model"
)

type httpProxyDialer struct{}

// Dial issues an HTTP CONNECT request to up for targetHostPort,
// returning the tunneled connection once the proxy replies 200.
func (httpProxyDialer) Dial(ctx context.Context, up model.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	conn, err := dialHop(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("dial upstream http %s: %w", up.Address, err)
	}
	tunneled, err := httpConnect(ctx, conn, up, targetHostPort)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunneled, nil
}

// httpConnect issues the CONNECT request over an already-established
// conn, used both for a fresh dial to up and for a tunnel through a
// prior chain hop.
func httpConnect(ctx context.Context, conn net.Conn, up model.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetHostPort, targetHostPort)
	if up.Username != "" || up.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(up.Username + ":" + up.Password))
		b.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(status, "HTTP/") || !strings.Contains(status, " 200 ") {
		_ = drainHTTPHeaders(br)
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT rejected: %q", strings.TrimSpace(status))
	}
	if err := drainHTTPHeaders(br); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("drain CONNECT response headers: %w", err)
	}
	log.Debugf("http upstream tunnel established via=%s target=%s", up.Address, targetHostPort)
	return conn, nil
}

func drainHTTPHeaders(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}
