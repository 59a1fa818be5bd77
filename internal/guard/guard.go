package guard

import (
	"time"

	"socksguard/internal/config"
)

// Decision is the outcome of a connection-admission check.
type Decision struct {
	Allow      bool
	Reason     string
	RetryAfter time.Duration
}

// Guard composes the rate limiter, DDoS burst detector, fail2ban
// ledger, and optional load sampler into the single admission gate C5
// consults before accepting a connection or an authentication attempt.
type Guard struct {
	rate      *RateGuard
	ddos      *DDoSGuard
	fail2ban  *Fail2Ban
	load      *LoadSampler
	whitelist map[string]struct{}
	stop      chan struct{}
}

func New(c *config.Config) *Guard {
	sec := c.Security
	whitelist := make(map[string]struct{}, len(sec.Whitelist))
	for _, ip := range sec.Whitelist {
		whitelist[ip] = struct{}{}
	}
	g := &Guard{
		whitelist: whitelist,
		rate: NewRateGuard(RateConfig{
			PerIPRatePerSec: sec.PerIPRatePerSec, PerIPBurst: sec.PerIPBurst,
			PerIPMaxConns: sec.PerIPMaxConns, GlobalRatePerSec: sec.GlobalRatePerSec,
			GlobalBurst: sec.GlobalBurst,
		}),
		ddos: NewDDoSGuard(DDoSConfig{
			Window:    c.DDoSWindow(),
			MaxConns:  sec.DDoSMaxConns,
			BanFor:    c.DDoSBanDuration(),
			BaseDelay: c.DDoSBaseDelay(),
			MaxDelay:  c.DDoSMaxDelay(),
		}),
		fail2ban: NewFail2Ban(Fail2BanConfig{
			Window:                c.FailWindow(),
			MaxFails:              sec.FailMaxBeforeBan,
			Cooldown:              c.BanCooldown(),
			BaseBackoff:           c.BaseBackoff(),
			MaxBackoff:            c.MaxBackoff(),
			ProgressiveMultiplier: sec.ProgressiveBanMultiplier,
			MaxBanDuration:        c.MaxBanDuration(),
		}),
		stop: make(chan struct{}),
	}
	if sec.LoadAwareAdmission {
		g.load = NewLoadSampler(sec.MaxCPUPercent, sec.MaxMemPercent)
		go g.load.Run(g.stop)
	}
	return g
}

// Stop halts the background load sampler, if running.
func (g *Guard) Stop() {
	close(g.stop)
}

// AdmitConnection decides whether a new TCP connection from ip should
// be accepted: fail2ban bans and whitelist first (cheapest, and the
// one case that must reject before any greeting byte is read), then
// the DDoS burst window, host load, and per-IP/global rate buckets.
func (g *Guard) AdmitConnection(ip string) Decision {
	if g.whitelisted(ip) {
		return Decision{Allow: true}
	}
	if ok, retryAfter := g.fail2ban.Allow(ip, ""); !ok {
		return Decision{Allow: false, Reason: "auth_banned", RetryAfter: retryAfter}
	}
	allowed, delay := g.ddos.Observe(ip)
	if !allowed {
		return Decision{Allow: false, Reason: "ddos_burst_detected"}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if g.load != nil && g.load.Overloaded() {
		return Decision{Allow: false, Reason: "host_overloaded"}
	}
	if !g.rate.Allow(ip) {
		return Decision{Allow: false, Reason: "rate_limited"}
	}
	g.rate.OnOpen(ip)
	return Decision{Allow: true}
}

func (g *Guard) whitelisted(ip string) bool {
	_, ok := g.whitelist[ip]
	return ok
}

// ReleaseConnection must be called once per AdmitConnection that
// returned Allow, when the connection closes.
func (g *Guard) ReleaseConnection(ip string) {
	g.rate.OnClose(ip)
}

// AdmitAuth checks the fail2ban ledger before an authentication
// attempt is even evaluated, so a banned client is rejected without
// touching the auth component.
func (g *Guard) AdmitAuth(ip, user string) Decision {
	if g.whitelisted(ip) {
		return Decision{Allow: true}
	}
	ok, retryAfter := g.fail2ban.Allow(ip, user)
	if !ok {
		return Decision{Allow: false, Reason: "auth_banned", RetryAfter: retryAfter}
	}
	return Decision{Allow: true}
}

// RecordAuthFailure extends ip/user's fail2ban ledger. Whitelisted IPs
// are never banned, per SPEC_FULL §4.6.
func (g *Guard) RecordAuthFailure(ip, user string) {
	if g.whitelisted(ip) {
		return
	}
	g.fail2ban.Fail(ip, user)
}

func (g *Guard) RecordAuthSuccess(ip, user string) { g.fail2ban.Success(ip, user) }
