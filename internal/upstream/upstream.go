// Package upstream implements the C4 chained-hop dialers: nested
// SOCKS5 and HTTP CONNECT handshakes to a configured upstream proxy,
// optionally over TLS.
package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"socksguard/internal/logx"
	"socksguard/internal/model"
)

var log = logx.New(logx.WithPrefix("upstream"))

// Dialer opens a tunnel through an upstream proxy to targetHostPort.
type Dialer interface {
	Dial(ctx context.Context, up model.UpstreamProxy, targetHostPort string) (net.Conn, error)
}

// ChooseDialer returns the hop implementation for an upstream's
// configured protocol.
func ChooseDialer(proto string) Dialer {
	switch strings.ToLower(strings.TrimSpace(proto)) {
	case "socks5":
		return socks5Dialer{}
	default:
		return httpProxyDialer{}
	}
}

// DialOver performs up's client handshake over an already-established
// conn (a tunnel through a prior chain hop) instead of dialing a new
// TCP connection to up.Address, and asks for CONNECT to
// targetHostPort. Used by the chain relay to walk multiple hops over
// one another's tunnels.
func DialOver(ctx context.Context, conn net.Conn, up model.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	switch strings.ToLower(strings.TrimSpace(up.Protocol)) {
	case "socks5":
		return socks5Handshake(ctx, conn, up, targetHostPort)
	default:
		return httpConnect(ctx, conn, up, targetHostPort)
	}
}

func dialHop(ctx context.Context, up model.UpstreamProxy) (net.Conn, error) {
	nd := net.Dialer{}
	conn, err := nd.DialContext(ctx, "tcp", up.Address)
	if err != nil {
		return nil, err
	}
	if !up.TLS {
		return conn, nil
	}
	cfg := makeTLSConfig(up)
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

// makeTLSConfig builds the client TLS config for an upstream hop,
// applying the configured fingerprint preset.
func makeTLSConfig(up model.UpstreamProxy) *tls.Config {
	host, _, _ := net.SplitHostPort(up.Address)
	cfg := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: up.SkipCertVerify,
	}
	if up.ALPN != "" {
		var protos []string
		seen := map[string]struct{}{}
		for _, p := range strings.Split(up.ALPN, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			lp := strings.ToLower(p)
			if _, ok := seen[lp]; ok {
				continue
			}
			seen[lp] = struct{}{}
			protos = append(protos, p)
		}
		if len(protos) > 0 {
			cfg.NextProtos = protos
		}
	}
	applyTLSFingerprintPreset(cfg, strings.ToLower(strings.TrimSpace(up.TLSFingerprint)))
	return cfg
}

var cipherTLS12Modern = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

var curvesModern = []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384, tls.CurveP521}

func applyTLSFingerprintPreset(cfg *tls.Config, preset string) {
	switch preset {
	case "", "default":
		return
	case "strict13":
		cfg.MinVersion = tls.VersionTLS13
		cfg.CurvePreferences = curvesModern
	case "modern":
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	case "compat":
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	case "tls12-only":
		cfg.MinVersion = tls.VersionTLS12
		cfg.MaxVersion = tls.VersionTLS12
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	default:
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	}
}
