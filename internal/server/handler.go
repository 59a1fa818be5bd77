package server

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"socksguard/internal/logx"
	"socksguard/internal/model"
	"socksguard/internal/protoerr"
	"socksguard/internal/relay"
	"socksguard/internal/socks5proto"
)

// handler owns one accepted connection exclusively from greeting
// through relay teardown, per SPEC_FULL §3's ownership note: the
// Connection Manager hands a stream to exactly one task, which keeps
// it until the relay ends. log is scoped to this one connection: it
// starts tagged with the client IP and picks up the session id once
// the handshake mints one, so every line from here on is traceable to
// a single client without repeating from=/sid= in each call.
type handler struct {
	m        *Manager
	conn     net.Conn
	clientIP string
	log      *logx.Logger
}

func (h *handler) run() {
	defer h.conn.Close()
	h.log = log.WithFields("from=" + h.clientIP)

	snap := h.m.cfg.Load()
	_ = h.conn.SetDeadline(time.Now().Add(snap.Raw.HandshakeTimeout()))

	greeting, err := socks5proto.ReadGreeting(h.conn)
	if err != nil {
		h.log.Debugf("handshake: bad greeting: %v", err)
		return
	}

	method := greeting.SelectMethod(h.m.authn.SupportedMethods()...)
	if err := socks5proto.WriteMethodSelection(h.conn, method); err != nil {
		return
	}
	if method == socks5proto.MethodNoAcceptable {
		h.log.Debugf("handshake: no acceptable method")
		return
	}

	sess, ok := h.authenticate(method)
	if !ok {
		return
	}
	h.log = h.log.WithFields("sid=" + sess.ID)
	h.m.registry.PutSession(sess)
	defer h.m.registry.RemoveSession(sess.ID)

	_ = h.conn.SetReadDeadline(time.Now().Add(snap.Raw.HandshakeTimeout()))
	req, err := socks5proto.ReadRequest(h.conn)
	if err != nil {
		h.log.Debugf("handshake: bad request: %v", err)
		return
	}
	_ = h.conn.SetDeadline(time.Time{})

	switch req.Command {
	case model.CmdConnect:
		h.handleConnect(sess, req)
	case model.CmdBind:
		h.handleBind(sess, req)
	case model.CmdUDPAssociate:
		h.handleUDPAssociate(sess, req)
	default:
		_ = socks5proto.WriteReply(h.conn, socks5proto.ReplyCommandNotSupported, nil)
	}
}

// authenticate drives C2's method-specific sub-negotiation and mints a
// session. For NoAuth it mints an unauthenticated session directly;
// for UserPass it reads credentials, checks C6's fail2ban ledger
// before ever looking at the password, then authenticates.
func (h *handler) authenticate(method byte) (model.Session, bool) {
	if method == socks5proto.MethodNoAuth {
		return model.Session{
			ID:        h.m.newIDFn(),
			ClientIP:  h.clientIP,
			State:     model.StateAuthenticated,
			StartedAt: time.Now(),
		}, true
	}

	if d := h.m.guard.AdmitAuth(h.clientIP, ""); !d.Allow {
		h.log.Debugf("auth: banned, reason=%s", d.Reason)
		_ = socks5proto.WriteUserpassReply(h.conn, false)
		return model.Session{}, false
	}

	cred, err := socks5proto.ReadUserpass(h.conn)
	if err != nil {
		h.log.Debugf("auth: bad userpass frame: %v", err)
		return model.Session{}, false
	}

	result, err := h.m.authn.Authenticate(h.clientIP, cred)
	if !result.OK {
		h.m.guard.RecordAuthFailure(h.clientIP, cred.Username)
		_ = socks5proto.WriteUserpassReply(h.conn, false)
		h.log.Debugf("auth: rejected user=%q reason=%s err=%v", cred.Username, result.Reason, err)
		return model.Session{}, false
	}
	h.m.guard.RecordAuthSuccess(h.clientIP, cred.Username)
	if err := socks5proto.WriteUserpassReply(h.conn, true); err != nil {
		return model.Session{}, false
	}
	return result.Session, true
}

func (h *handler) handleConnect(sess model.Session, req socks5proto.Request) {
	target := req.Target.HostPort()
	dec := h.m.currentRouter().Decide(target)

	if dec.Action == model.ActionDeny {
		h.log.Debugf("acl: denied target=%s user=%s rule=%d", target, sess.Username, dec.RuleID)
		_ = socks5proto.WriteReply(h.conn, socks5proto.ReplyNotAllowed, nil)
		return
	}
	if dec.Action == model.ActionRedirect {
		h.log.Debugf("acl: redirected target=%s -> %s user=%s rule=%d", target, dec.RedirectTo, sess.Username, dec.RuleID)
		target = dec.RedirectTo
	}

	var dialer relay.Dialer
	snap := h.m.cfg.Load()
	if dec.Action == model.ActionForward && len(dec.Chain) > 0 {
		dialer = relay.ChainDialer{Hops: dec.Chain}
	} else {
		dialer = relay.DirectDialer{ConnectTimeout: snap.Raw.ConnectTimeout()}
	}

	ctx, cancel := context.WithTimeout(h.m.ctx, snap.Raw.ConnectTimeout())
	defer cancel()

	targetConn, err := dialer.Dial(ctx, target)
	if dec.Action == model.ActionForward && h.m.health != nil {
		h.m.health.Observe(dec.UpstreamID, err == nil, time.Now())
	}
	if err != nil {
		h.log.Errorf("connect: dial failed target=%s via=%s: %v", target, dec.UpstreamID, err)
		_ = socks5proto.WriteReply(h.conn, classifyDialErr(err), nil)
		return
	}
	defer targetConn.Close()

	var bindAddr *net.TCPAddr
	if tcpAddr, ok := h.conn.LocalAddr().(*net.TCPAddr); ok {
		bindAddr = tcpAddr
	}
	if err := socks5proto.WriteReply(h.conn, socks5proto.ReplySucceeded, bindAddr); err != nil {
		return
	}

	kind := model.RelayDirect
	if dec.Action == model.ActionForward {
		kind = model.RelayUpstream
		if len(dec.Chain) > 1 {
			kind = model.RelayChain
		}
	}
	relaySess := model.RelaySession{
		SessionID: sess.ID, Kind: kind, Target: target, UpstreamID: dec.UpstreamID, StartedAt: time.Now(),
	}
	h.m.registry.PutRelay(relaySess)

	relayCtx, relayCancel := context.WithCancel(h.m.ctx)
	defer relayCancel()
	up, down := relay.Pipe(relayCtx, h.conn, targetConn, snap.Raw.IdleTimeout())
	h.m.registry.FinishRelay(sess.ID, time.Now(), up, down)
	h.log.Debugf("connect: relay closed target=%s up=%d down=%d", target, up, down)
}

func (h *handler) handleBind(sess model.Session, req socks5proto.Request) {
	snap := h.m.cfg.Load()
	ln, err := relay.Listen("")
	if err != nil {
		h.log.Errorf("bind: listen failed: %v", err)
		_ = socks5proto.WriteReply(h.conn, socks5proto.ReplyGeneralFailure, nil)
		return
	}
	defer ln.Close()

	if err := socks5proto.WriteReply(h.conn, socks5proto.ReplySucceeded, ln.Addr().(*net.TCPAddr)); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.m.ctx, snap.Raw.BindAcceptTimeout())
	defer cancel()
	peer, err := relay.Accept(ctx, ln)
	if err != nil {
		h.log.Debugf("bind: no peer connected within timeout: %v", err)
		_ = socks5proto.WriteReply(h.conn, socks5proto.ReplyTTLExpired, nil)
		return
	}
	defer peer.Close()

	var peerAddr *net.TCPAddr
	if tcpAddr, ok := peer.RemoteAddr().(*net.TCPAddr); ok {
		peerAddr = tcpAddr
	}
	if err := socks5proto.WriteReply(h.conn, socks5proto.ReplySucceeded, peerAddr); err != nil {
		return
	}

	target := req.Target.HostPort()
	relaySess := model.RelaySession{SessionID: sess.ID, Kind: model.RelayDirect, Target: target, StartedAt: time.Now()}
	h.m.registry.PutRelay(relaySess)
	relayCtx, relayCancel := context.WithCancel(h.m.ctx)
	defer relayCancel()
	up, down := relay.Pipe(relayCtx, h.conn, peer, snap.Raw.IdleTimeout())
	h.m.registry.FinishRelay(sess.ID, time.Now(), up, down)
}

func (h *handler) handleUDPAssociate(sess model.Session, req socks5proto.Request) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		h.log.Errorf("udp associate: listen failed: %v", err)
		_ = socks5proto.WriteReply(h.conn, socks5proto.ReplyGeneralFailure, nil)
		return
	}
	defer pc.Close()

	baddr, _ := pc.LocalAddr().(*net.UDPAddr)
	if err := socks5proto.WriteReply(h.conn, socks5proto.ReplySucceeded, &net.TCPAddr{IP: baddr.IP, Port: baddr.Port}); err != nil {
		return
	}

	target := req.Target.HostPort()
	relaySess := model.RelaySession{SessionID: sess.ID, Kind: model.RelayDirect, Target: target, StartedAt: time.Now()}
	h.m.registry.PutRelay(relaySess)

	up, down := relay.UDPAssociate(h.m.ctx, h.conn, pc)
	h.m.registry.FinishRelay(sess.ID, time.Now(), up, down)
}

// classifyDialErr maps a dial failure to the RFC1928 reply code the
// client should see, per SPEC_FULL §4.4's command matrix.
func classifyDialErr(err error) socks5proto.ReplyCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5proto.ReplyHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return socks5proto.ReplyConnectionRefused
	}
	if perr, ok := protoerr.As(err); ok {
		return socks5proto.ReplyCode(perr.Kind.SOCKSReply())
	}
	return socks5proto.ReplyNetworkUnreachable
}
