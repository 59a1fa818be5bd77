// Package acl implements C3: compiling access-control rules and routing
// a connection request to allow/deny/forward, in priority order.
package acl

import (
	"net"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"socksguard/internal/config"
	"socksguard/internal/health"
	"socksguard/internal/logx"
	"socksguard/internal/model"
)

var log = logx.New(logx.WithPrefix("acl"))

// compiledRule is an AccessRule plus whatever pre-parsed form its Kind needs.
type compiledRule struct {
	model.AccessRule
	cidr   *net.IPNet
	re     *regexp.Regexp
	suffix string // reversed, normalized label form for domain_suffix
}

// Router holds the compiled, priority-sorted rule set and decides where
// a connection request should go.
type Router struct {
	defaultAction model.ACLAction
	rules         []compiledRule
	upstreams     map[string]model.UpstreamProxy
	health        *health.Tracker
}

// Decision is the outcome of evaluating a target against the rule set.
// Chain holds every hop for a Proxy/ProxyChain action in traversal
// order; Upstream is Chain[0], kept for single-hop callers.
type Decision struct {
	Matched    bool
	RuleID     int64
	Action     model.ACLAction
	UpstreamID string
	Upstream   model.UpstreamProxy
	Chain      []model.UpstreamProxy
	RedirectTo string // when Action == ActionRedirect: the replacement "host:port"
}

func Compile(c *config.Config, tracker *health.Tracker) (*Router, error) {
	def := model.ActionAllow
	if c.AccessControl.DefaultAction == "deny" {
		def = model.ActionDeny
	}
	r := &Router{defaultAction: def, upstreams: map[string]model.UpstreamProxy{}, health: tracker}
	for _, u := range c.Routing.Upstreams {
		r.upstreams[u.ID] = model.UpstreamProxy{
			ID: u.ID, Protocol: u.Protocol, Address: u.Address,
			Username: u.Username, Password: u.Password,
			TLS: u.TLS, TLSFingerprint: u.TLSFingerprint,
			SkipCertVerify: u.SkipCertVerify, ALPN: u.ALPN,
		}
	}
	for i, rc := range c.AccessControl.Rules {
		cr := compiledRule{AccessRule: model.AccessRule{
			ID: int64(i + 1), Priority: rc.Priority,
			Kind: model.MatchKind(rc.Kind), Pattern: rc.Pattern,
			Action: model.ACLAction(rc.Action), UpstreamID: rc.UpstreamID,
			RedirectTo: rc.RedirectTarget,
		}}
		switch cr.Kind {
		case model.MatchCIDR:
			_, ipnet, err := net.ParseCIDR(rc.Pattern)
			if err != nil {
				return nil, err
			}
			cr.cidr = ipnet
		case model.MatchRegex:
			re, err := regexp.Compile(rc.Pattern)
			if err != nil {
				return nil, err
			}
			cr.re = re
		case model.MatchSuffix:
			norm, err := normalizeDomain(rc.Pattern)
			if err != nil {
				return nil, err
			}
			cr.suffix = reverseLabels(norm)
		}
		r.rules = append(r.rules, cr)
	}
	// Highest priority first; ties broken by declaration order (stable sort).
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	return r, nil
}

// Decide evaluates dest ("host", "host:port", or bare IP) against the
// compiled rule set in priority order, falling back to the configured
// default action when nothing matches.
func (r *Router) Decide(dest string) Decision {
	host := strings.TrimSpace(dest)
	if host == "" {
		return Decision{Action: r.defaultAction}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if isLocalhostOrLoopback(host) {
		log.Debugf("decide: local target protected -> deny, target=%s", host)
		return Decision{Action: model.ActionDeny}
	}

	ip := net.ParseIP(host)
	var domainNorm, domainRev string
	if ip == nil {
		norm, err := normalizeDomain(host)
		if err != nil || norm == "" {
			log.Debugf("decide: invalid host %q -> default", host)
			return Decision{Action: r.defaultAction}
		}
		domainNorm = norm
		domainRev = reverseLabels(norm)
	}

	for _, rule := range r.rules {
		if !r.matches(rule, ip, domainNorm, domainRev) {
			continue
		}
		dec := Decision{Matched: true, RuleID: rule.ID, Action: rule.Action}
		if rule.Action == model.ActionRedirect {
			dec.RedirectTo = rule.RedirectTo
			return dec
		}
		if rule.Action == model.ActionForward {
			chain, ok := r.resolveChain(rule.UpstreamID)
			if !ok {
				log.Errorf("decide: rule %d forwards to unresolved upstream(s) %q -> deny", rule.ID, rule.UpstreamID)
				return Decision{Matched: true, RuleID: rule.ID, Action: model.ActionDeny}
			}
			dec.UpstreamID = chain[0].ID
			dec.Upstream = chain[0]
			dec.Chain = chain
		}
		return dec
	}
	return Decision{Action: r.defaultAction}
}

// resolveUpstream applies the smart-routing fallback: an Unhealthy
// upstream is treated as absent, per the resolved Open Question that
// every-upstream-unhealthy degrades to a deny rather than silently
// going direct.
func (r *Router) resolveUpstream(id string) (model.UpstreamProxy, bool) {
	up, ok := r.upstreams[id]
	if !ok {
		return model.UpstreamProxy{}, false
	}
	if r.health != nil && r.health.Status(id) == model.HealthUnhealthy {
		log.Debugf("resolveUpstream: %s is unhealthy, refusing forward", id)
		return model.UpstreamProxy{}, false
	}
	return up, true
}

// resolveChain splits a rule's UpstreamID field on commas (a
// ProxyChain rule names its hops "s1,h1,s2") and resolves each hop in
// order. Any unresolved or unhealthy hop fails the whole chain: a
// partially-healthy chain is not a safe substitute for the configured
// path.
func (r *Router) resolveChain(rawIDs string) ([]model.UpstreamProxy, bool) {
	ids := strings.Split(rawIDs, ",")
	chain := make([]model.UpstreamProxy, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		up, ok := r.resolveUpstream(id)
		if !ok {
			return nil, false
		}
		chain = append(chain, up)
	}
	if len(chain) == 0 {
		return nil, false
	}
	return chain, true
}

func (r *Router) matches(rule compiledRule, ip net.IP, domainNorm, domainRev string) bool {
	switch rule.Kind {
	case model.MatchExact:
		if ip != nil {
			return rule.Pattern == ip.String()
		}
		return rule.Pattern == domainNorm
	case model.MatchWildcard:
		if ip != nil {
			return false
		}
		return wildcardMatch(domainNorm, rule.Pattern)
	case model.MatchRegex:
		target := domainNorm
		if ip != nil {
			target = ip.String()
		}
		return rule.re != nil && rule.re.MatchString(target)
	case model.MatchCIDR:
		return ip != nil && rule.cidr != nil && rule.cidr.Contains(ip)
	case model.MatchSuffix:
		if ip != nil || rule.suffix == "" {
			return false
		}
		return domainRev == rule.suffix || strings.HasPrefix(domainRev, rule.suffix+".")
	default:
		return false
	}
}

// normalizeDomain lowercases, strips a trailing dot, and folds to IDNA ASCII.
func normalizeDomain(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(strings.TrimSuffix(s, ".")))
	if s == "" {
		return "", nil
	}
	return idna.ToASCII(s)
}

// reverseLabels turns "a.b.example" into "example.b.a" so a suffix
// match reduces to a prefix comparison.
func reverseLabels(d string) string {
	if d == "" {
		return ""
	}
	parts := strings.Split(d, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func isLocalhostOrLoopback(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// wildcardMatch treats "*" as a literal substitution for any run of
// characters, with no escaping and no other metacharacters: "*.example.com"
// is the literal string ".example.com" with "*" consuming zero or more
// characters, so it matches "a.example.com" but not the bare "example.com"
// (domain_suffix rules are what match the bare base, see matches() above).
func wildcardMatch(host, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	if strings.HasPrefix(pattern, "*.") {
		base := pattern[2:]
		return strings.HasSuffix(host, "."+base)
	}
	re := "^" + regexp.QuoteMeta(pattern)
	re = strings.ReplaceAll(re, `\*`, ".*") + "$"
	matched, err := regexp.MatchString(re, host)
	return err == nil && matched
}
