package upstream

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"socksguard/internal/model"
)

func TestChooseDialer(t *testing.T) {
	if _, ok := ChooseDialer("socks5").(socks5Dialer); !ok {
		t.Fatalf("expected socks5Dialer")
	}
	if _, ok := ChooseDialer("http").(httpProxyDialer); !ok {
		t.Fatalf("expected httpProxyDialer")
	}
	if _, ok := ChooseDialer("").(httpProxyDialer); !ok {
		t.Fatalf("expected httpProxyDialer default")
	}
}

func TestSocks5DialerConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		greeting := make([]byte, 4)
		io.ReadFull(c, greeting)
		c.Write([]byte{0x05, 0x00}) // select NO-AUTH
		req := make([]byte, 4)
		io.ReadFull(c, req)
		l := make([]byte, 1)
		io.ReadFull(c, l)
		host := make([]byte, l[0])
		io.ReadFull(c, host)
		port := make([]byte, 2)
		io.ReadFull(c, port)
		c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()

	up := model.UpstreamProxy{Protocol: "socks5", Address: ln.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (socks5Dialer{}).Dial(ctx, up, "example.com:443")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestHTTPProxyDialerConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" || line == "" {
				break
			}
		}
		c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	up := model.UpstreamProxy{Protocol: "http", Address: ln.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (httpProxyDialer{}).Dial(ctx, up, "example.com:443")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}
