// Package auth implements C2: SOCKS5 method negotiation, RFC1929
// username/password verification, and session minting.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"socksguard/internal/config"
	"socksguard/internal/logx"
	"socksguard/internal/model"
	"socksguard/internal/protoerr"
	"socksguard/internal/socks5proto"
)

var log = logx.New(logx.WithPrefix("auth"))

// Reason mirrors the teacher's AuthReason enum, generalized to this
// module's narrower user model.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonMissing           Reason = "missing_credentials"
	ReasonBadCredentials    Reason = "bad_credentials"
	ReasonUserDisabled      Reason = "user_disabled"
	ReasonNoSupportedMethod Reason = "no_supported_method"
)

// Result is the outcome of a full handshake authentication attempt.
type Result struct {
	OK       bool
	Reason   Reason
	User     model.User
	Session  model.Session
}

// Authenticator owns the JWT signing secret and the set of SOCKS5
// methods it is willing to offer, driven off the live config snapshot.
type Authenticator struct {
	store    *config.Store
	sessions func() string // session id generator, injectable for tests
}

func New(store *config.Store, idGen func() string) *Authenticator {
	return &Authenticator{store: store, sessions: idGen}
}

// SupportedMethods returns the method-selection byte list to offer in
// the greeting response, based on whether auth is required.
func (a *Authenticator) SupportedMethods() []byte {
	snap := a.store.Load()
	if snap.Raw.Auth.RequireAuth {
		return []byte{socks5proto.MethodUserPass}
	}
	return []byte{socks5proto.MethodNoAuth, socks5proto.MethodUserPass}
}

// Authenticate verifies a username/password pair against the live
// snapshot using a constant-time comparison of the bcrypt-verified
// result, and on success mints a session with a signed JWT.
func (a *Authenticator) Authenticate(clientIP string, cred model.Credential) (Result, error) {
	snap := a.store.Load()
	if cred.Username == "" && cred.Password == "" {
		return Result{Reason: ReasonMissing}, protoerr.Auth("authenticate", errors.New("missing credentials"))
	}
	u, found := snap.Users[cred.Username]
	// Always run bcrypt even on a miss, with a fixed dummy hash, so a
	// nonexistent username doesn't respond measurably faster than a bad
	// password for an existing one.
	hash := u.PasswordHash
	if !found || hash == "" {
		hash = dummyHash
	}
	bcryptOK := bcrypt.CompareHashAndPassword([]byte(hash), []byte(cred.Password)) == nil
	if !found {
		return Result{Reason: ReasonBadCredentials}, protoerr.Auth("authenticate", errors.New("unknown user"))
	}
	if !u.Enabled {
		return Result{Reason: ReasonUserDisabled}, protoerr.Auth("authenticate", errors.New("user disabled"))
	}
	if !bcryptOK {
		return Result{Reason: ReasonBadCredentials}, protoerr.Auth("authenticate", errors.New("bad password"))
	}

	sid := a.sessions()
	token, err := a.mintToken(snap, sid, u)
	if err != nil {
		return Result{}, protoerr.Internal("mint session token", err)
	}
	sess := model.Session{
		ID:        sid,
		UserID:    u.ID,
		Username:  u.Username,
		ClientIP:  clientIP,
		State:     model.StateAuthenticated,
		StartedAt: time.Now(),
		Token:     token,
	}
	log.Debugf("auth ok user=%q ip=%s sid=%s", u.Username, clientIP, sid)
	return Result{OK: true, Reason: ReasonOK, User: u, Session: sess}, nil
}

// dummyHash is a fixed bcrypt hash of an unguessable value, used to keep
// the timing of a miss indistinguishable from a bad-password hit.
const dummyHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8g7r5ZGFM5f5z5z5z5z5z5z5z5z5zO"

func (a *Authenticator) mintToken(snap *config.Snapshot, sid string, u model.User) (string, error) {
	secret := snap.Raw.Auth.JWTSecret
	if secret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	ttl := snap.Raw.TokenTTL()
	claims := jwt.MapClaims{
		"sid":  sid,
		"user": u.Username,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// VerifyToken checks a previously minted session token, used by the
// out-of-scope management surface to correlate a session without a
// store round trip.
func (a *Authenticator) VerifyToken(raw string) (sid string, username string, err error) {
	snap := a.store.Load()
	secret := snap.Raw.Auth.JWTSecret
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return "", "", fmt.Errorf("invalid session token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid claims")
	}
	sid, _ = claims["sid"].(string)
	username, _ = claims["user"].(string)
	return sid, username, nil
}
