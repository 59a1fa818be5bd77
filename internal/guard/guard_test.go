package guard

import (
	"testing"
	"time"
)

func TestFail2BanLocksAfterMaxFails(t *testing.T) {
	g := NewFail2Ban(Fail2BanConfig{MaxFails: 3, Cooldown: time.Minute, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	for i := 0; i < 3; i++ {
		g.Fail("1.2.3.4", "bob")
	}
	if ok, _ := g.Allow("1.2.3.4", "bob"); ok {
		t.Fatal("expected lockout after max fails")
	}
}

func TestFail2BanSuccessClears(t *testing.T) {
	g := NewFail2Ban(Fail2BanConfig{MaxFails: 100, BaseBackoff: time.Hour, MaxBackoff: time.Hour})
	g.Fail("1.2.3.4", "bob")
	g.Success("1.2.3.4", "bob")
	if ok, _ := g.Allow("1.2.3.4", "bob"); !ok {
		t.Fatal("expected success to clear backoff")
	}
}

func TestRateGuardPerIPBurst(t *testing.T) {
	rg := NewRateGuard(RateConfig{PerIPRatePerSec: 1, PerIPBurst: 2})
	if !rg.Allow("9.9.9.9") || !rg.Allow("9.9.9.9") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rg.Allow("9.9.9.9") {
		t.Fatal("expected third immediate connection to be rate limited")
	}
}

func TestRateGuardPerIPMaxConns(t *testing.T) {
	rg := NewRateGuard(RateConfig{PerIPMaxConns: 1})
	if !rg.Allow("5.5.5.5") {
		t.Fatal("first connection should be allowed")
	}
	rg.OnOpen("5.5.5.5")
	if rg.Allow("5.5.5.5") {
		t.Fatal("second concurrent connection should be denied")
	}
	rg.OnClose("5.5.5.5")
	if !rg.Allow("5.5.5.5") {
		t.Fatal("connection should be allowed again after close")
	}
}

func TestDDoSGuardBansBurst(t *testing.T) {
	d := NewDDoSGuard(DDoSConfig{Window: time.Minute, MaxConns: 3, BanFor: time.Minute})
	for i := 0; i < 3; i++ {
		if ok, _ := d.Observe("6.6.6.6"); !ok {
			t.Fatalf("connection %d should be admitted", i)
		}
	}
	if ok, _ := d.Observe("6.6.6.6"); ok {
		t.Fatal("4th connection within window should trip the ban")
	}
	if ok, _ := d.Observe("6.6.6.6"); ok {
		t.Fatal("subsequent connections should stay banned")
	}
}

func TestLoadSamplerFailsOpenBeforeFirstSample(t *testing.T) {
	s := NewLoadSampler(50, 50)
	if s.Overloaded() {
		t.Fatal("should not report overloaded before any sample taken")
	}
}
