package server

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"socksguard/internal/acl"
	"socksguard/internal/auth"
	"socksguard/internal/config"
	"socksguard/internal/guard"
	"socksguard/internal/health"
	"socksguard/internal/store"
)

func testID() string { return "sess-test" }

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	snap, err := config.Build(cfg)
	if err != nil {
		t.Fatalf("config.Build: %v", err)
	}
	cfgStore := config.NewStore(snap)
	authn := auth.New(cfgStore, testID)
	g := guard.New(cfg)
	t.Cleanup(g.Stop)
	ht := health.NewTracker(0)
	reg := store.NewRegistry(nil)
	router, err := acl.Compile(cfg, ht)
	if err != nil {
		t.Fatalf("acl.Compile: %v", err)
	}
	return New(cfgStore, authn, g, reg, ht, router, testID)
}

func baseConfig(listenAddr string) *config.Config {
	return &config.Config{
		Server:        config.ServerConfig{ListenAddr: listenAddr, ConnectTimeout: "2s", HandshakeTimeout: "2s", IdleTimeout: "5s"},
		AccessControl: config.AccessControlConfig{DefaultAction: "allow"},
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNoAuthConnectRoundTrip(t *testing.T) {
	// fake upstream target that echoes whatever it receives
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer target.Close()
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	addr := freeAddr(t)
	mgr := newTestManager(t, baseConfig(addr))
	go mgr.ListenAndServe()
	defer mgr.Shutdown(2 * time.Second)
	waitListening(t, mgr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil || sel[0] != 0x05 || sel[1] != 0x00 {
		t.Fatalf("method select = %v err=%v", sel, err)
	}

	host, port, _ := net.SplitHostPort(target.Addr().String())
	req := buildConnectRequest(t, host, port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("reply = %v, want succeeded", reply)
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echo := make([]byte, 5)
	if _, err := io.ReadFull(conn, echo); err != nil || string(echo) != "hello" {
		t.Fatalf("echo = %q err=%v", echo, err)
	}
}

func TestBannedIPClosedBeforeGreeting(t *testing.T) {
	addr := freeAddr(t)
	cfg := baseConfig(addr)
	cfg.Security.FailWindow = "60s"
	cfg.Security.FailMaxBeforeBan = 1
	cfg.Security.BanCooldown = "60s"
	cfg.Security.BaseBackoff = "10ms"
	cfg.Security.MaxBackoff = "60s"
	mgr := newTestManager(t, cfg)
	mgr.guard.RecordAuthFailure("127.0.0.1", "nobody")

	go mgr.ListenAndServe()
	defer mgr.Shutdown(2 * time.Second)
	waitListening(t, mgr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected immediate close with no bytes, got n=%d err=%v", n, err)
	}
}

func TestShutdownDrainsThenStops(t *testing.T) {
	addr := freeAddr(t)
	mgr := newTestManager(t, baseConfig(addr))
	go mgr.ListenAndServe()
	waitListening(t, mgr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// Give the accept loop a moment to admit and track the connection.
	deadline := time.Now().Add(time.Second)
	for mgr.ActiveConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	mgr.Shutdown(500 * time.Millisecond)
	if mgr.State() != StateStopped {
		t.Fatalf("state = %v, want Stopped", mgr.State())
	}
}

func waitListening(t *testing.T, mgr *Manager) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mgr.lnMu.Lock()
		ln := mgr.ln
		mgr.lnMu.Unlock()
		if ln != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never came up")
}

// buildConnectRequest hand-assembles a CONNECT request with an IPv4 or
// domain target, mirroring the wire format internal/socks5proto parses.
func buildConnectRequest(t *testing.T, host, port string) []byte {
	t.Helper()
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad port %q: %v", port, err)
	}
	b := []byte{0x05, 0x01, 0x00}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		b = append(b, 0x01)
		b = append(b, ip.To4()...)
	} else {
		b = append(b, 0x03, byte(len(host)))
		b = append(b, host...)
	}
	b = append(b, byte(p>>8), byte(p))
	return b
}
