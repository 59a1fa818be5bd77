package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"socksguard/internal/socks5proto"
)

func buildTestDatagram(t *testing.T, dst string, payload []byte) []byte {
	t.Helper()
	return socks5proto.BuildUDPDatagram(dst, payload)
}

func TestPipeRelaysBothDirections(t *testing.T) {
	leftA, leftB := net.Pipe()
	rightA, rightB := net.Pipe()

	done := make(chan struct{})
	var up, down int64
	go func() {
		up, down = Pipe(context.Background(), leftB, rightB, 0)
		close(done)
	}()

	go func() {
		leftA.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	rightA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(rightA, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("relay did not forward bytes: n=%d err=%v buf=%q", n, err, buf[:n])
	}

	go func() {
		rightA.Write([]byte("pong"))
	}()

	leftA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = io.ReadFull(leftA, buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("relay did not forward bytes back: n=%d err=%v buf=%q", n, err, buf[:n])
	}

	leftA.Close()
	rightA.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after both sides closed")
	}
	if up != 4 || down != 4 {
		t.Fatalf("byte counts: up=%d down=%d, want 4 and 4", up, down)
	}
}

func TestPipeStopsOnContextCancel(t *testing.T) {
	leftA, leftB := net.Pipe()
	rightA, rightB := net.Pipe()
	defer rightA.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pipe(ctx, leftB, rightB, 0)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not unblock on context cancel")
	}
	leftA.Close()
}

func TestUDPAssociateRelaysDatagram(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer pc.Close()

	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP echo: %v", err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 1024)
		n, addr, err := echo.ReadFromUDP(buf)
		if err != nil {
			return
		}
		echo.WriteToUDP(buf[:n], addr)
	}()

	ctrlA, ctrlB := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		UDPAssociate(ctx, ctrlB, pc)
		close(done)
	}()

	client, err := net.DialUDP("udp", nil, pc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	pkt := buildTestDatagram(t, echo.LocalAddr().String(), []byte("hi"))
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1024)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < 3 || string(buf[n-2:n]) != "hi" {
		t.Fatalf("unexpected reply %q", buf[:n])
	}

	ctrlA.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("UDPAssociate did not exit after control conn closed")
	}
}
