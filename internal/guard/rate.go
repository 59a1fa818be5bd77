package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateConfig configures the per-IP and global connection-admission
// token buckets.
type RateConfig struct {
	PerIPRatePerSec  float64
	PerIPBurst       int
	PerIPMaxConns    int
	GlobalRatePerSec float64
	GlobalBurst      int
}

type ipState struct {
	limiter     *rate.Limiter
	activeConns int
	lastSeen    time.Time
}

// RateGuard enforces a per-IP token bucket plus concurrency cap, and a
// shared global token bucket across all source IPs.
type RateGuard struct {
	cfg    RateConfig
	global *rate.Limiter

	mu  sync.Mutex
	ips map[string]*ipState
}

func NewRateGuard(cfg RateConfig) *RateGuard {
	rg := &RateGuard{cfg: cfg, ips: map[string]*ipState{}}
	if cfg.GlobalRatePerSec > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		rg.global = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), burst)
	}
	return rg
}

func (rg *RateGuard) stateFor(ip string) *ipState {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	s, ok := rg.ips[ip]
	if !ok {
		var lim *rate.Limiter
		if rg.cfg.PerIPRatePerSec > 0 {
			burst := rg.cfg.PerIPBurst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(rg.cfg.PerIPRatePerSec), burst)
		}
		s = &ipState{limiter: lim}
		rg.ips[ip] = s
	}
	s.lastSeen = time.Now()
	return s
}

// Allow reports whether a new connection from ip may proceed right now.
func (rg *RateGuard) Allow(ip string) bool {
	if rg.global != nil && !rg.global.Allow() {
		return false
	}
	s := rg.stateFor(ip)
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.cfg.PerIPMaxConns > 0 && s.activeConns >= rg.cfg.PerIPMaxConns {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	return true
}

// OnOpen/OnClose track per-IP concurrency so PerIPMaxConns is enforced.
func (rg *RateGuard) OnOpen(ip string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if s, ok := rg.ips[ip]; ok {
		s.activeConns++
	}
}

func (rg *RateGuard) OnClose(ip string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if s, ok := rg.ips[ip]; ok && s.activeConns > 0 {
		s.activeConns--
	}
}

// GC drops per-IP state untouched for longer than ttl, bounding memory
// for a long-lived process seeing many distinct source IPs.
func (rg *RateGuard) GC(ttl time.Duration) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	now := time.Now()
	for ip, s := range rg.ips {
		if s.activeConns == 0 && now.Sub(s.lastSeen) > ttl {
			delete(rg.ips, ip)
		}
	}
}
