package auth

import (
	"testing"

	"socksguard/internal/config"
	"socksguard/internal/model"
)

func testStore(t *testing.T, requireAuth bool) *config.Store {
	t.Helper()
	enabled := true
	c := &config.Config{
		Auth: config.AuthConfig{
			RequireAuth: requireAuth,
			JWTSecret:   "test-secret",
			TokenTTL:    "60s",
			Users: []config.UserConfig{
				{Username: "alice", Password: "hunter2", Enabled: &enabled},
			},
		},
	}
	snap, err := config.Build(c)
	if err != nil {
		t.Fatalf("config.Build: %v", err)
	}
	return config.NewStore(snap)
}

func TestAuthenticateSuccess(t *testing.T) {
	store := testStore(t, true)
	n := 0
	a := New(store, func() string { n++; return "sid-1" })

	res, err := a.Authenticate("10.0.0.1", model.Credential{Username: "alice", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.OK || res.Session.ID != "sid-1" || res.Session.Token == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	sid, user, err := a.VerifyToken(res.Session.Token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if sid != "sid-1" || user != "alice" {
		t.Fatalf("verify mismatch: sid=%q user=%q", sid, user)
	}
}

func TestAuthenticateBadPassword(t *testing.T) {
	store := testStore(t, true)
	a := New(store, func() string { return "sid" })
	res, err := a.Authenticate("10.0.0.1", model.Credential{Username: "alice", Password: "wrong"})
	if err == nil || res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Reason != ReasonBadCredentials {
		t.Fatalf("reason = %v", res.Reason)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store := testStore(t, true)
	a := New(store, func() string { return "sid" })
	res, err := a.Authenticate("10.0.0.1", model.Credential{Username: "ghost", Password: "x"})
	if err == nil || res.OK || res.Reason != ReasonBadCredentials {
		t.Fatalf("unexpected result: %+v err=%v", res, err)
	}
}

func TestSupportedMethods(t *testing.T) {
	require := New(testStore(t, true), func() string { return "" })
	if ms := require.SupportedMethods(); len(ms) != 1 {
		t.Fatalf("require-auth methods = %v", ms)
	}
	optional := New(testStore(t, false), func() string { return "" })
	if ms := optional.SupportedMethods(); len(ms) != 2 {
		t.Fatalf("optional-auth methods = %v", ms)
	}
}
