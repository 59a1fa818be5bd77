package guard

import (
	"math"
	"sync"
	"time"
)

// DDoSConfig bounds how many new connections a single source IP may
// open within Window before being temporarily banned. Once an IP has
// been banned at least once, BaseDelay/MaxDelay additionally throttle
// its subsequent accepts with a growing delay even after the ban
// expires, per ban_count; BaseDelay <= 0 disables the delay.
type DDoSConfig struct {
	Window    time.Duration
	MaxConns  int
	BanFor    time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type ddosEntry struct {
	hits        []time.Time
	bannedUntil time.Time
	banCount    int
}

// DDoSGuard is a sliding-window connection-burst detector, distinct
// from RateGuard's steady-state token bucket: it catches a short,
// sharp spike that a token bucket with burst headroom would admit.
type DDoSGuard struct {
	cfg DDoSConfig

	mu    sync.Mutex
	byIP  map[string]*ddosEntry
	clock func() time.Time
}

func NewDDoSGuard(cfg DDoSConfig) *DDoSGuard {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.BanFor <= 0 {
		cfg.BanFor = 60 * time.Second
	}
	return &DDoSGuard{cfg: cfg, byIP: map[string]*ddosEntry{}, clock: time.Now}
}

// Observe records a new connection attempt from ip and reports whether
// it should be admitted, plus how long the caller should delay the
// accept before proceeding. Once MaxConns is exceeded within Window, ip
// is banned for BanFor regardless of its subsequent rate; once banned
// at least once, every later admitted accept from that ip is delayed
// by BaseDelay*2^ban_count, capped at MaxDelay, until GC forgets it.
// The delay is returned rather than applied here so the caller can
// sleep outside this guard's lock.
func (d *DDoSGuard) Observe(ip string) (allowed bool, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	e, ok := d.byIP[ip]
	if !ok {
		e = &ddosEntry{}
		d.byIP[ip] = e
	}
	if e.bannedUntil.After(now) {
		return false, 0
	}

	cutoff := now.Add(-d.cfg.Window)
	kept := e.hits[:0]
	for _, h := range e.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	e.hits = append(kept, now)

	if len(e.hits) > d.cfg.MaxConns {
		e.bannedUntil = now.Add(d.cfg.BanFor)
		e.hits = nil
		e.banCount++
		log.Debugf("ddos guard: ip=%s exceeded %d conns/%s, banned for %s (ban_count=%d)", ip, d.cfg.MaxConns, d.cfg.Window, d.cfg.BanFor, e.banCount)
		return false, 0
	}

	if e.banCount > 0 && d.cfg.BaseDelay > 0 {
		scale := math.Pow(2, float64(e.banCount))
		delay = time.Duration(float64(d.cfg.BaseDelay) * scale)
		if d.cfg.MaxDelay > 0 && delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}
	return true, delay
}

// GC drops entries with no recent hits and no active ban.
func (d *DDoSGuard) GC(ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	for ip, e := range d.byIP {
		if e.bannedUntil.Before(now) && (len(e.hits) == 0 || now.Sub(e.hits[len(e.hits)-1]) > ttl) {
			delete(d.byIP, ip)
		}
	}
}
