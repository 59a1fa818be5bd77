package socks5proto

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// ParseUDPDatagram strips the RFC1928 UDP header (RSV/FRAG/ATYP/DST) off a
// client->server or server->client UDP ASSOCIATE packet, returning the
// destination "host:port" and the remaining payload. Fragmentation (FRAG
// != 0) is not supported, matching the common SOCKS5 client behavior of
// never fragmenting.
func ParseUDPDatagram(pkt []byte) (dst string, payload []byte, err error) {
	if len(pkt) < 4 {
		return "", nil, errors.New("socks5: short udp header")
	}
	if pkt[2] != 0x00 {
		return "", nil, errors.New("socks5: udp fragmentation not supported")
	}
	atyp := pkt[3]
	p := 4
	switch atyp {
	case byte(0x01):
		if len(pkt) < p+4+2 {
			return "", nil, errors.New("socks5: short udp v4 address")
		}
		ip := net.IP(pkt[p : p+4]).String()
		p += 4
		port := int(binary.BigEndian.Uint16(pkt[p : p+2]))
		p += 2
		dst = net.JoinHostPort(ip, strconv.Itoa(port))
	case byte(0x03):
		if len(pkt) < p+1 {
			return "", nil, errors.New("socks5: short udp domain length")
		}
		l := int(pkt[p])
		p++
		if len(pkt) < p+l+2 {
			return "", nil, errors.New("socks5: short udp domain")
		}
		host := string(pkt[p : p+l])
		p += l
		port := int(binary.BigEndian.Uint16(pkt[p : p+2]))
		p += 2
		dst = net.JoinHostPort(host, strconv.Itoa(port))
	case byte(0x04):
		if len(pkt) < p+16+2 {
			return "", nil, errors.New("socks5: short udp v6 address")
		}
		ip := net.IP(pkt[p : p+16]).String()
		p += 16
		port := int(binary.BigEndian.Uint16(pkt[p : p+2]))
		p += 2
		dst = net.JoinHostPort(ip, strconv.Itoa(port))
	default:
		return "", nil, errors.New("socks5: bad udp address type")
	}
	if len(pkt) < p {
		return "", nil, errors.New("socks5: udp payload underflow")
	}
	return dst, pkt[p:], nil
}

// BuildUDPDatagram wraps payload in an RFC1928 UDP header addressed to dst.
func BuildUDPDatagram(dst string, payload []byte) []byte {
	addr, err := EncodeAddr(dst)
	if err != nil {
		// Caller passed something unparsable; emit a zero IPv4 header
		// rather than drop the packet silently.
		addr = []byte{byte(0x01), 0, 0, 0, 0, 0, 0}
	}
	hdr := append([]byte{0x00, 0x00, 0x00}, addr...)
	return append(hdr, payload...)
}
