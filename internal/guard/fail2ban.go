// Package guard implements C6: per-IP and global admission rate
// limiting, a DDoS connection-burst sliding window, a fail2ban-style
// auth-failure ledger, and optional load-aware admission shedding.
package guard

import (
	"math"
	"strings"
	"sync"
	"time"

	"socksguard/internal/logx"
)

var log = logx.New(logx.WithPrefix("guard"))

// Fail2BanConfig mirrors the teacher's bruteguard.Config field-for-field,
// plus ProgressiveMultiplier/MaxBanDuration for the spec's per-ban
// escalation that bruteguard itself doesn't have.
type Fail2BanConfig struct {
	Window                time.Duration
	MaxFails              int
	Cooldown              time.Duration
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	GCInterval            time.Duration
	AliveFor              time.Duration
	ProgressiveMultiplier float64
	MaxBanDuration        time.Duration
}

func defaultFail2BanConfig() Fail2BanConfig {
	return Fail2BanConfig{
		Window: 15 * time.Minute, MaxFails: 10, Cooldown: 15 * time.Minute,
		BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second,
		GCInterval: time.Minute, AliveFor: 24 * time.Hour,
		ProgressiveMultiplier: 2, MaxBanDuration: 24 * time.Hour,
	}
}

type banEntry struct {
	fails       int
	lastFail    time.Time
	lockedUntil time.Time
	lastSeen    time.Time
	banCount    int
}

// Fail2Ban tracks authentication failures per IP/user/IP+user key and
// progressively bans on repeated failure, with exponential backoff
// below the ban threshold.
type Fail2Ban struct {
	cfg Fail2BanConfig

	mu     sync.Mutex
	store  map[string]*banEntry
	lastGC time.Time
	now    func() time.Time
}

func NewFail2Ban(cfg Fail2BanConfig) *Fail2Ban {
	def := defaultFail2BanConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = def.MaxFails
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.AliveFor <= 0 {
		cfg.AliveFor = def.AliveFor
	}
	if cfg.ProgressiveMultiplier <= 0 {
		cfg.ProgressiveMultiplier = def.ProgressiveMultiplier
	}
	if cfg.MaxBanDuration <= 0 {
		cfg.MaxBanDuration = def.MaxBanDuration
	}
	return &Fail2Ban{cfg: cfg, store: make(map[string]*banEntry, 1024), now: time.Now}
}

// Allow reports whether ip/user is currently clear to attempt auth, and
// if not, how long until the lock clears.
func (g *Fail2Ban) Allow(ip, user string) (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	var next time.Time
	for _, k := range keys(ip, user) {
		if e := g.get(k, now); e != nil && e.lockedUntil.After(next) {
			next = e.lockedUntil
		}
	}
	if next.After(now) {
		return false, next.Sub(now)
	}
	return true, 0
}

// Fail records one authentication failure for ip/user.
func (g *Fail2Ban) Fail(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	for _, k := range keys(ip, user) {
		e := g.getOrCreate(k, now)
		e.fails++
		e.lastFail = now
		e.lastSeen = now

		if g.cfg.MaxFails > 0 && e.fails >= g.cfg.MaxFails {
			scale := math.Pow(g.cfg.ProgressiveMultiplier, float64(e.banCount))
			cooldown := time.Duration(float64(g.cfg.Cooldown) * scale)
			if cooldown > g.cfg.MaxBanDuration {
				cooldown = g.cfg.MaxBanDuration
			}
			e.lockedUntil = now.Add(cooldown)
			e.banCount++
			e.fails = 0
			log.Debugf("fail2ban ban key=%s ban_count=%d cooldown=%s until=%s", k, e.banCount, cooldown, e.lockedUntil.Format(time.RFC3339))
			continue
		}
		backoff := g.cfg.BaseBackoff
		for i := 1; i < e.fails; i++ {
			backoff *= 2
			if backoff >= g.cfg.MaxBackoff {
				backoff = g.cfg.MaxBackoff
				break
			}
		}
		until := now.Add(backoff)
		if until.After(e.lockedUntil) {
			e.lockedUntil = until
		}
	}
}

// Success clears the ledger entries for ip, user and ip|user on a
// successful authentication.
func (g *Fail2Ban) Success(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	ip, user = strings.TrimSpace(ip), strings.TrimSpace(user)
	var toClear []string
	if ip != "" {
		toClear = append(toClear, "ip:"+ip)
	}
	if user != "" {
		toClear = append(toClear, "user:"+user)
	}
	if ip != "" && user != "" {
		toClear = append(toClear, "ipuser:"+ip+"|"+user)
	}
	for _, k := range toClear {
		if e := g.get(k, now); e != nil {
			e.fails = 0
			e.lockedUntil = time.Time{}
			e.lastSeen = now
		}
	}
}

// Stats reports the ledger size and the number of currently locked keys.
func (g *Fail2Ban) Stats() (keys, blocked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()
	now := g.now()
	for _, e := range g.store {
		keys++
		if e.lockedUntil.After(now) {
			blocked++
		}
	}
	return
}

func (g *Fail2Ban) get(k string, now time.Time) *banEntry {
	e := g.store[k]
	if e == nil {
		return nil
	}
	if g.cfg.Window > 0 && !e.lastFail.IsZero() && now.Sub(e.lastFail) > g.cfg.Window {
		e.fails = 0
	}
	e.lastSeen = now
	return e
}

func (g *Fail2Ban) getOrCreate(k string, now time.Time) *banEntry {
	if e := g.get(k, now); e != nil {
		return e
	}
	e := &banEntry{lastSeen: now}
	g.store[k] = e
	return e
}

func (g *Fail2Ban) gcIfNeeded() {
	now := g.now()
	if now.Sub(g.lastGC) < g.cfg.GCInterval {
		return
	}
	g.lastGC = now
	for k, e := range g.store {
		if now.Sub(e.lastSeen) > g.cfg.AliveFor {
			delete(g.store, k)
		}
	}
}

func keys(ip, user string) []string {
	ip, user = strings.TrimSpace(ip), strings.TrimSpace(user)
	switch {
	case ip != "" && user != "":
		return []string{"ip:" + ip, "user:" + user, "ipuser:" + ip + "|" + user}
	case ip != "":
		return []string{"ip:" + ip}
	case user != "":
		return []string{"user:" + user}
	default:
		return nil
	}
}
