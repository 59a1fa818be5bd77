package acl

import (
	"testing"

	"socksguard/internal/config"
	"socksguard/internal/model"
)

func mustCompile(t *testing.T, c *config.Config) *Router {
	t.Helper()
	r, err := Compile(c, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return r
}

func TestDefaultActionAllow(t *testing.T) {
	r := mustCompile(t, &config.Config{AccessControl: config.AccessControlConfig{DefaultAction: "allow"}})
	d := r.Decide("example.com:443")
	if d.Matched || d.Action != model.ActionAllow {
		t.Fatalf("decision = %+v", d)
	}
}

func TestExactAndSuffixPriority(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "deny",
			Rules: []config.AccessRuleConfig{
				{Priority: 10, Kind: "domain_suffix", Pattern: "example.com", Action: "allow"},
				{Priority: 20, Kind: "exact", Pattern: "blocked.example.com", Action: "deny"},
			},
		},
	}
	r := mustCompile(t, c)

	if d := r.Decide("sub.example.com:443"); !d.Matched || d.Action != model.ActionAllow {
		t.Fatalf("sub.example.com decision = %+v", d)
	}
	// Higher priority exact-deny rule wins over the lower priority suffix-allow.
	if d := r.Decide("blocked.example.com:443"); !d.Matched || d.Action != model.ActionDeny {
		t.Fatalf("blocked.example.com decision = %+v", d)
	}
	if d := r.Decide("other.org:80"); d.Matched || d.Action != model.ActionDeny {
		t.Fatalf("other.org decision = %+v", d)
	}
}

func TestWildcardMatch(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "deny",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "wildcard", Pattern: "*.internal.test", Action: "deny"},
			},
		},
	}
	r := mustCompile(t, c)
	if d := r.Decide("svc.internal.test:8080"); !d.Matched || d.Action != model.ActionDeny {
		t.Fatalf("decision = %+v", d)
	}
	// "*.internal.test" is the literal ".internal.test" with "*" matching
	// zero or more characters: the bare base domain has no "." to match
	// against, so it falls through to the default action instead.
	if d := r.Decide("internal.test:8080"); d.Matched {
		t.Fatalf("bare base domain should not match *.internal.test: %+v", d)
	}
}

func TestCIDRMatch(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "allow",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "cidr", Pattern: "10.0.0.0/8", Action: "deny"},
			},
		},
	}
	r := mustCompile(t, c)
	if d := r.Decide("10.1.2.3:22"); !d.Matched || d.Action != model.ActionDeny {
		t.Fatalf("decision = %+v", d)
	}
	if d := r.Decide("8.8.8.8:53"); d.Matched {
		t.Fatalf("8.8.8.8 should not match 10/8: %+v", d)
	}
}

func TestLoopbackAlwaysDenied(t *testing.T) {
	c := &config.Config{AccessControl: config.AccessControlConfig{DefaultAction: "allow"}}
	r := mustCompile(t, c)
	if d := r.Decide("127.0.0.1:9000"); d.Action != model.ActionDeny {
		t.Fatalf("loopback decision = %+v", d)
	}
	if d := r.Decide("localhost:9000"); d.Action != model.ActionDeny {
		t.Fatalf("localhost decision = %+v", d)
	}
}

func TestForwardUnknownUpstreamDeniesInstead(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "allow",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "exact", Pattern: "example.com", Action: "forward", UpstreamID: "missing"},
			},
		},
	}
	r := mustCompile(t, c)
	d := r.Decide("example.com:443")
	if d.Action != model.ActionDeny {
		t.Fatalf("decision = %+v, want deny for unresolved upstream", d)
	}
}

func TestRedirectRewritesTarget(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "allow",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "exact", Pattern: "old.example.com", Action: "redirect", RedirectTarget: "new.example.com:443"},
			},
		},
	}
	r := mustCompile(t, c)
	d := r.Decide("old.example.com:80")
	if d.Action != model.ActionRedirect || d.RedirectTo != "new.example.com:443" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestForwardResolvesChain(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "allow",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "exact", Pattern: "example.com", Action: "forward", UpstreamID: "s1, s2"},
			},
		},
		Routing: config.RoutingConfig{
			Upstreams: []config.UpstreamConfig{
				{ID: "s1", Protocol: "socks5", Address: "10.0.0.1:1080"},
				{ID: "s2", Protocol: "http", Address: "10.0.0.2:8080"},
			},
		},
	}
	r := mustCompile(t, c)
	d := r.Decide("example.com:443")
	if d.Action != model.ActionForward || len(d.Chain) != 2 {
		t.Fatalf("decision = %+v", d)
	}
	if d.Chain[0].ID != "s1" || d.Chain[1].ID != "s2" {
		t.Fatalf("chain order = %+v", d.Chain)
	}
	if d.Upstream.ID != "s1" {
		t.Fatalf("Upstream should be Chain[0]: %+v", d.Upstream)
	}
}

func TestForwardResolvesConfiguredUpstream(t *testing.T) {
	c := &config.Config{
		AccessControl: config.AccessControlConfig{
			DefaultAction: "allow",
			Rules: []config.AccessRuleConfig{
				{Priority: 1, Kind: "exact", Pattern: "example.com", Action: "forward", UpstreamID: "up1"},
			},
		},
		Routing: config.RoutingConfig{
			Upstreams: []config.UpstreamConfig{
				{ID: "up1", Protocol: "socks5", Address: "10.0.0.5:1080"},
			},
		},
	}
	r := mustCompile(t, c)
	d := r.Decide("example.com:443")
	if d.Action != model.ActionForward || d.Upstream.Address != "10.0.0.5:1080" {
		t.Fatalf("decision = %+v", d)
	}
}
