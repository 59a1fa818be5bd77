// Package config loads and validates the YAML configuration for
// socksguard and exposes it as an immutable Snapshot the rest of the
// process can hot-swap via an atomic pointer.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"socksguard/internal/logx"
)

// Durations throughout this config are ISO-like short strings parsed
// with time.ParseDuration ("30s", "5m", "2h"), per the external
// configuration contract. An empty string means "use the default";
// an unparsable one fails validation.
type ServerConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	MaxConnections    int    `yaml:"max_connections"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	IdleTimeout       string `yaml:"idle_timeout"`
	DrainTimeout      string `yaml:"drain_timeout"`
	HandshakeTimeout  string `yaml:"handshake_timeout"`
	BindAcceptTimeout string `yaml:"bind_accept_timeout"`
	BufferSize        int    `yaml:"buffer_size"`
	KeepaliveEnabled  bool   `yaml:"keepalive_enabled"`
	KeepaliveInterval string `yaml:"keepalive_interval"`
}

type UserConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"` // plaintext from config, hashed at snapshot build
	PasswordHash   string `yaml:"password_hash"`
	Enabled        *bool  `yaml:"enabled"`
	UpLimitBps     int64  `yaml:"up_limit_bps"`
	DownLimitBps   int64  `yaml:"down_limit_bps"`
	MaxConnections int    `yaml:"max_connections"`
}

type AuthConfig struct {
	RequireAuth bool         `yaml:"require_auth"`
	Users       []UserConfig `yaml:"users"`
	JWTSecret   string       `yaml:"jwt_secret"`
	TokenTTL    string       `yaml:"token_ttl"`
}

type AccessRuleConfig struct {
	Priority       int    `yaml:"priority"`
	Kind           string `yaml:"kind"` // exact|wildcard|regex|cidr|domain_suffix
	Pattern        string `yaml:"pattern"`
	Action         string `yaml:"action"` // allow|deny|forward|redirect
	UpstreamID     string `yaml:"upstream_id"`
	RedirectTarget string `yaml:"redirect_target"` // host:port, when action == redirect
}

type AccessControlConfig struct {
	DefaultAction string             `yaml:"default_action"`
	Rules         []AccessRuleConfig `yaml:"rules"`
	RulesDSN      string             `yaml:"rules_dsn"` // optional sqlite-backed rule source
}

type UpstreamConfig struct {
	ID             string `yaml:"id"`
	Protocol       string `yaml:"protocol"` // socks5|http
	Address        string `yaml:"address"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TLS            bool   `yaml:"tls"`
	TLSFingerprint string `yaml:"tls_fingerprint"`
	SkipCertVerify bool   `yaml:"skip_cert_verify"`
	ALPN           string `yaml:"alpn"`
}

// SmartRoutingConfig drives internal/health's upstream classification:
// an upstream needs MinMeasurements samples before it is anything but
// Unknown. MinMeasurements is the only field read outside this package;
// the other fields are parsed but do not change routing, and C3 always
// skips an upstream classified Unhealthy.
type SmartRoutingConfig struct {
	Enabled              bool   `yaml:"enabled"`
	HealthCheckInterval  string `yaml:"health_check_interval"`
	HealthCheckTimeout   string `yaml:"health_check_timeout"`
	MinMeasurements      int    `yaml:"min_measurements"`
	EnableLatencyRouting bool   `yaml:"enable_latency_routing"`
	EnableHealthRouting  bool   `yaml:"enable_health_routing"`
}

type RoutingConfig struct {
	Upstreams    []UpstreamConfig    `yaml:"upstreams"`
	SmartRouting SmartRoutingConfig  `yaml:"smart_routing"`
}

// SecurityConfig holds every C6 sub-policy's knobs: per-IP and global
// rate limiting, the fail2ban auth-failure ledger with its progressive
// ban escalation, the DDoS burst detector with its progressive accept
// delay, and load-aware admission.
type SecurityConfig struct {
	PerIPRatePerSec  float64 `yaml:"per_ip_rate_per_sec"`
	PerIPBurst       int     `yaml:"per_ip_burst"`
	PerIPMaxConns    int     `yaml:"per_ip_max_conns"`
	GlobalRatePerSec float64 `yaml:"global_rate_per_sec"`
	GlobalBurst      int     `yaml:"global_burst"`

	FailWindow               string  `yaml:"fail_window"`
	FailMaxBeforeBan         int     `yaml:"fail_max_before_ban"`
	BanCooldown              string  `yaml:"ban_cooldown"`
	BaseBackoff              string  `yaml:"base_backoff"`
	MaxBackoff               string  `yaml:"max_backoff"`
	ProgressiveBanMultiplier float64 `yaml:"progressive_ban_multiplier"`
	MaxBanDuration           string  `yaml:"max_ban_duration"`

	LoadAwareAdmission bool    `yaml:"load_aware_admission"`
	MaxCPUPercent      float64 `yaml:"max_cpu_percent"`
	MaxMemPercent      float64 `yaml:"max_mem_percent"`

	DDoSWindow      string `yaml:"ddos_window"`
	DDoSMaxConns    int    `yaml:"ddos_max_conns"`
	DDoSBanDuration string `yaml:"ddos_ban_duration"`
	DDoSBaseDelay   string `yaml:"base_delay"`
	DDoSMaxDelay    string `yaml:"max_delay"`

	Whitelist []string `yaml:"whitelist"` // IPs never rate-limited, DDoS-banned, or fail2ban-banned
}

type MonitoringConfig struct {
	LogLevel   string `yaml:"log_level"`
	HistoryDSN string `yaml:"history_dsn"` // optional sqlite DSN to mirror finished relays for durable history
}

// Config is the raw, unmarshalled YAML document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	AccessControl AccessControlConfig `yaml:"access_control"`
	Routing       RoutingConfig       `yaml:"routing"`
	Security      SecurityConfig      `yaml:"security"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

var log = logx.New(logx.WithPrefix("config"))

// Load reads and parses the YAML file at p, falling back to
// /etc/socksguard/config.yaml when p cannot be read, matching the
// teacher's double-path load pattern.
func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		p = "/etc/socksguard/config.yaml"
		b, err = os.ReadFile(p)
		if err != nil {
			log.Errorf("open config file: %v", err)
			return nil, p, err
		}
	}
	return Parse(b, p)
}

// Parse unmarshals raw YAML bytes into a validated Config. Decoding is
// strict: a key that isn't one of the fields above fails the load
// instead of being silently ignored.
func Parse(b []byte, sourcePath string) (*Config, string, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, sourcePath, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(&c); err != nil {
		return nil, sourcePath, err
	}
	return &c, sourcePath, nil
}

func Validate(c *Config) error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	switch c.AccessControl.DefaultAction {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("access_control.default_action must be allow or deny, got %q", c.AccessControl.DefaultAction)
	}
	for i, r := range c.AccessControl.Rules {
		switch r.Kind {
		case "exact", "wildcard", "regex", "cidr", "domain_suffix":
		default:
			return fmt.Errorf("access_control.rules[%d]: unknown kind %q", i, r.Kind)
		}
		switch r.Action {
		case "allow", "deny", "forward":
		case "redirect":
			if r.RedirectTarget == "" {
				return fmt.Errorf("access_control.rules[%d]: redirect action requires redirect_target", i)
			}
		default:
			return fmt.Errorf("access_control.rules[%d]: unknown action %q", i, r.Action)
		}
	}
	for _, d := range []struct{ name, val string }{
		{"server.connect_timeout", c.Server.ConnectTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.drain_timeout", c.Server.DrainTimeout},
		{"server.handshake_timeout", c.Server.HandshakeTimeout},
		{"server.bind_accept_timeout", c.Server.BindAcceptTimeout},
		{"server.keepalive_interval", c.Server.KeepaliveInterval},
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"routing.smart_routing.health_check_interval", c.Routing.SmartRouting.HealthCheckInterval},
		{"routing.smart_routing.health_check_timeout", c.Routing.SmartRouting.HealthCheckTimeout},
		{"security.fail_window", c.Security.FailWindow},
		{"security.ban_cooldown", c.Security.BanCooldown},
		{"security.base_backoff", c.Security.BaseBackoff},
		{"security.max_backoff", c.Security.MaxBackoff},
		{"security.max_ban_duration", c.Security.MaxBanDuration},
		{"security.ddos_window", c.Security.DDoSWindow},
		{"security.ddos_ban_duration", c.Security.DDoSBanDuration},
		{"security.base_delay", c.Security.DDoSBaseDelay},
		{"security.max_delay", c.Security.DDoSMaxDelay},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// parseDurationDefault parses s, falling back to def when s is empty.
// Validate already rejects an unparsable non-empty s, so an error here
// only happens if a Config was built by hand rather than through Parse.
func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) ConnectTimeout() time.Duration {
	return parseDurationDefault(c.Server.ConnectTimeout, 10*time.Second)
}

func (c *Config) IdleTimeout() time.Duration {
	return parseDurationDefault(c.Server.IdleTimeout, 5*time.Minute)
}

func (c *Config) DrainTimeout() time.Duration {
	return parseDurationDefault(c.Server.DrainTimeout, 10*time.Second)
}

func (c *Config) HandshakeTimeout() time.Duration {
	return parseDurationDefault(c.Server.HandshakeTimeout, 10*time.Second)
}

func (c *Config) BindAcceptTimeout() time.Duration {
	return parseDurationDefault(c.Server.BindAcceptTimeout, 30*time.Second)
}

func (c *Config) KeepaliveInterval() time.Duration {
	return parseDurationDefault(c.Server.KeepaliveInterval, 30*time.Second)
}

func (c *Config) TokenTTL() time.Duration {
	return parseDurationDefault(c.Auth.TokenTTL, time.Hour)
}

func (c *Config) FailWindow() time.Duration {
	return parseDurationDefault(c.Security.FailWindow, 15*time.Minute)
}

func (c *Config) BanCooldown() time.Duration {
	return parseDurationDefault(c.Security.BanCooldown, 15*time.Minute)
}

func (c *Config) BaseBackoff() time.Duration {
	return parseDurationDefault(c.Security.BaseBackoff, 2*time.Second)
}

func (c *Config) MaxBackoff() time.Duration {
	return parseDurationDefault(c.Security.MaxBackoff, 30*time.Second)
}

// MaxBanDuration caps fail2ban's progressive ban escalation, per
// security.max_ban_duration.
func (c *Config) MaxBanDuration() time.Duration {
	return parseDurationDefault(c.Security.MaxBanDuration, 24*time.Hour)
}

func (c *Config) DDoSWindow() time.Duration {
	return parseDurationDefault(c.Security.DDoSWindow, 10*time.Second)
}

func (c *Config) DDoSBanDuration() time.Duration {
	return parseDurationDefault(c.Security.DDoSBanDuration, 60*time.Second)
}

// DDoSBaseDelay and DDoSMaxDelay drive the DDoS guard's progressive
// accept delay for an IP that has been banned before; zero disables it.
func (c *Config) DDoSBaseDelay() time.Duration {
	return parseDurationDefault(c.Security.DDoSBaseDelay, 0)
}

func (c *Config) DDoSMaxDelay() time.Duration {
	return parseDurationDefault(c.Security.DDoSMaxDelay, 0)
}

func (c *Config) HealthCheckInterval() time.Duration {
	return parseDurationDefault(c.Routing.SmartRouting.HealthCheckInterval, 30*time.Second)
}

func (c *Config) HealthCheckTimeout() time.Duration {
	return parseDurationDefault(c.Routing.SmartRouting.HealthCheckTimeout, 5*time.Second)
}

// MinMeasurements is the sample count internal/health needs before an
// upstream is anything but Unknown.
func (c *Config) MinMeasurements() int {
	if c.Routing.SmartRouting.MinMeasurements <= 0 {
		return 5
	}
	return c.Routing.SmartRouting.MinMeasurements
}
