// Package protoerr classifies the failure taxonomy of the proxy core, so
// callers can map a failure to the right SOCKS5 reply code or exit path
// without string-matching error text.
package protoerr

import "errors"

type Kind string

const (
	KindProtocol Kind = "protocol"
	KindAuth     Kind = "auth"
	KindPolicy   Kind = "policy"
	KindUpstream Kind = "upstream"
	KindNetwork  Kind = "network"
	KindResource Kind = "resource"
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a classification used to pick the
// SOCKS5 reply code and the log/metric bucket.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Stage
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(k Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Stage: stage, Err: err}
}

func Protocol(stage string, err error) error { return wrap(KindProtocol, stage, err) }
func Auth(stage string, err error) error     { return wrap(KindAuth, stage, err) }
func Policy(stage string, err error) error   { return wrap(KindPolicy, stage, err) }
func Upstream(stage string, err error) error { return wrap(KindUpstream, stage, err) }
func Network(stage string, err error) error  { return wrap(KindNetwork, stage, err) }
func Resource(stage string, err error) error { return wrap(KindResource, stage, err) }
func Internal(stage string, err error) error { return wrap(KindInternal, stage, err) }

// As reports whether err (or any error it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// SOCKSReply maps a Kind to the RFC1928 REP byte used in a failure reply.
func (k Kind) SOCKSReply() byte {
	switch k {
	case KindPolicy:
		return 0x02 // connection not allowed by ruleset
	case KindNetwork:
		return 0x04 // host unreachable
	case KindUpstream:
		return 0x05 // connection refused (by upstream)
	case KindResource:
		return 0x01 // general SOCKS server failure (out of resources)
	case KindProtocol:
		return 0x07 // command not supported / malformed
	default:
		return 0x01
	}
}
