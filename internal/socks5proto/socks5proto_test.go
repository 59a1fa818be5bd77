package socks5proto

import (
	"bytes"
	"net"
	"testing"

	"socksguard/internal/model"
)

func TestGreetingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Version5, 2, MethodNoAuth, MethodUserPass})
	g, err := ReadGreeting(&buf)
	if err != nil {
		t.Fatalf("ReadGreeting: %v", err)
	}
	if got := g.SelectMethod(MethodUserPass); got != MethodUserPass {
		t.Fatalf("SelectMethod = %#x, want %#x", got, MethodUserPass)
	}
	if got := g.SelectMethod(0x99); got != MethodNoAcceptable {
		t.Fatalf("SelectMethod unsupported = %#x, want 0xFF", got)
	}
}

func TestGreetingRejectsBadVersion(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x04, 1, MethodNoAuth})
	if _, err := ReadGreeting(buf); err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestUserpassRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(AuthSubnegVersion)
	buf.WriteByte(4)
	buf.WriteString("bob1")
	buf.WriteByte(3)
	buf.WriteString("hi!")
	cred, err := ReadUserpass(&buf)
	if err != nil {
		t.Fatalf("ReadUserpass: %v", err)
	}
	if cred.Username != "bob1" || cred.Password != "hi!" {
		t.Fatalf("got %+v", cred)
	}
}

func TestRequestRoundTripDomain(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Version5, byte(model.CmdConnect), 0x00, byte(model.AddrDomain)})
	buf.WriteByte(byte(len("example.com")))
	buf.WriteString("example.com")
	buf.Write([]byte{0x01, 0xBB}) // port 443

	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Command != model.CmdConnect {
		t.Fatalf("command = %v", req.Command)
	}
	if req.Target.Domain != "example.com" || req.Target.Port != 443 {
		t.Fatalf("target = %+v", req.Target)
	}
}

func TestWriteReplySuccessIPv4(t *testing.T) {
	var buf bytes.Buffer
	bind := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}
	if err := WriteReply(&buf, ReplySucceeded, bind); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	want := []byte{Version5, byte(ReplySucceeded), 0x00, byte(model.AddrIPv4), 127, 0, 0, 1, 0x04, 0x38}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestWriteReplyFailureHasZeroAddr(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplyHostUnreachable, nil); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	want := []byte{Version5, byte(ReplyHostUnreachable), 0x00, byte(model.AddrIPv4), 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestUDPDatagramRoundTrip(t *testing.T) {
	payload := []byte("hello")
	pkt := BuildUDPDatagram("203.0.113.5:53", payload)
	dst, got, err := ParseUDPDatagram(pkt)
	if err != nil {
		t.Fatalf("ParseUDPDatagram: %v", err)
	}
	if dst != "203.0.113.5:53" {
		t.Fatalf("dst = %q", dst)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
}

func TestUDPDatagramRejectsFragments(t *testing.T) {
	pkt := []byte{0x00, 0x00, 0x01, byte(model.AddrIPv4), 1, 2, 3, 4, 0, 80}
	if _, _, err := ParseUDPDatagram(pkt); err == nil {
		t.Fatal("expected fragmentation error")
	}
}
