// Package config loads paproxy configuration from a YAML file, PAPROXY_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/die-net/paproxy/internal/ssh"
)

// Listener modes.
const (
	ModeForward = "forward"
	ModeSOCKS5  = "socks5"
	ModeHTTP    = "http"
	ModeTProxy  = "tproxy"
	ModeWS      = "ws"
	ModeReverse = "reverse"
)

// Config is the root configuration.
type Config struct {
	Listeners   []ListenerConfig `mapstructure:"listeners"`
	Upstream    string           `mapstructure:"upstream"`
	UpstreamTLS TLSConfig        `mapstructure:"upstream_tls"`
	Limits      LimitsConfig     `mapstructure:"limits"`
	Timeouts    TimeoutsConfig   `mapstructure:"timeouts"`

	// TCPKeepAlive is on, off, or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `mapstructure:"tcp_keepalive"`

	DNS    DNSConfig    `mapstructure:"dns"`
	Policy PolicyConfig `mapstructure:"policy"`
	SOCKS5 AuthConfig   `mapstructure:"socks5"`
	HTTP   AuthConfig   `mapstructure:"http"`
	SSH    SSHConfig    `mapstructure:"ssh"`

	MetricsListen string      `mapstructure:"metrics_listen"`
	Pprof         bool        `mapstructure:"pprof"`
	Stats         StatsConfig `mapstructure:"stats"`
	Log           LogConfig   `mapstructure:"log"`

	// Port and Host are the single-listener shorthand: reverse proxy
	// 127.0.0.1:Port to https://Host, relaying its events socket.
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// ListenerConfig is one inbound entrypoint.
type ListenerConfig struct {
	Name   string `mapstructure:"name"`
	Mode   string `mapstructure:"mode"`
	Listen string `mapstructure:"listen"`
	// Target is host:port for forward listeners, host:port or a ws(s) URL
	// for ws listeners and an http(s) URL for reverse listeners.
	Target string `mapstructure:"target"`
	// Path is the WebSocket upgrade path for ws and reverse listeners.
	Path string `mapstructure:"path"`
}

type TLSConfig struct {
	Enable             bool   `mapstructure:"enable"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
}

type LimitsConfig struct {
	MaxSessions int `mapstructure:"max_sessions"`
}

type TimeoutsConfig struct {
	Connect     time.Duration `mapstructure:"connect"`
	Resolve     time.Duration `mapstructure:"resolve"`
	Idle        time.Duration `mapstructure:"idle"`
	Negotiation time.Duration `mapstructure:"negotiation"`
	Shutdown    time.Duration `mapstructure:"shutdown"`
}

type DNSConfig struct {
	Enable   bool          `mapstructure:"enable"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type PolicyConfig struct {
	// Deny holds rules: a CIDR, an IP, a host, *.suffix, or :port.
	Deny []string `mapstructure:"deny"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SSHConfig struct {
	// Key is "agent", a private key path, or empty.
	Key        string `mapstructure:"key"`
	KnownHosts string `mapstructure:"known_hosts"`
}

type StatsConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs  []string       `mapstructure:"outputs"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Upstream: defaultUpstream(),
		Limits:   LimitsConfig{MaxSessions: 1024},
		Timeouts: TimeoutsConfig{
			Connect:     10 * time.Second,
			Resolve:     10 * time.Second,
			Idle:        5 * time.Minute,
			Negotiation: 10 * time.Second,
			Shutdown:    30 * time.Second,
		},
		TCPKeepAlive: "45:45:3",
		DNS:          DNSConfig{CacheTTL: time.Minute},
		SSH: SSHConfig{
			Key:        defaultSSHKeyPath(),
			KnownHosts: defaultSSHKnownHostsPath(),
		},
		Stats: StatsConfig{KeyPrefix: "paproxy:"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// LoadDotEnv loads path into the process environment. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file named by --config or PAPROXY_CONFIG, or
// paproxy.yaml from ., ./configs or /etc/paproxy, applies PAPROXY_*
// environment overrides and then the flags in fs that were set. fs must come
// from NewFlagSet and already be parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	for key, name := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv("PAPROXY_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("paproxy")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/paproxy")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := addFlagListeners(cfg, fs); err != nil {
		return nil, err
	}
	cfg.applyShorthand()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("upstream", cfg.Upstream)
	v.SetDefault("upstream_tls.enable", cfg.UpstreamTLS.Enable)
	v.SetDefault("upstream_tls.insecure_skip_verify", cfg.UpstreamTLS.InsecureSkipVerify)
	v.SetDefault("upstream_tls.server_name", cfg.UpstreamTLS.ServerName)
	v.SetDefault("limits.max_sessions", cfg.Limits.MaxSessions)
	v.SetDefault("timeouts.connect", cfg.Timeouts.Connect)
	v.SetDefault("timeouts.resolve", cfg.Timeouts.Resolve)
	v.SetDefault("timeouts.idle", cfg.Timeouts.Idle)
	v.SetDefault("timeouts.negotiation", cfg.Timeouts.Negotiation)
	v.SetDefault("timeouts.shutdown", cfg.Timeouts.Shutdown)
	v.SetDefault("tcp_keepalive", cfg.TCPKeepAlive)
	v.SetDefault("dns.enable", cfg.DNS.Enable)
	v.SetDefault("dns.cache_ttl", cfg.DNS.CacheTTL)
	v.SetDefault("policy.deny", cfg.Policy.Deny)
	v.SetDefault("socks5.username", "")
	v.SetDefault("socks5.password", "")
	v.SetDefault("http.username", "")
	v.SetDefault("http.password", "")
	v.SetDefault("ssh.key", cfg.SSH.Key)
	v.SetDefault("ssh.known_hosts", cfg.SSH.KnownHosts)
	v.SetDefault("metrics_listen", cfg.MetricsListen)
	v.SetDefault("pprof", cfg.Pprof)
	v.SetDefault("stats.redis_addr", cfg.Stats.RedisAddr)
	v.SetDefault("stats.redis_password", cfg.Stats.RedisPassword)
	v.SetDefault("stats.redis_db", cfg.Stats.RedisDB)
	v.SetDefault("stats.key_prefix", cfg.Stats.KeyPrefix)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("port", 0)
	v.SetDefault("host", "")
}

// EventsSocketPath is the WebSocket path relayed by the shorthand listener.
const EventsSocketPath = "/polyanalyst/eventsSocket"

// applyShorthand turns port/host into a reverse listener when no listeners
// are configured.
func (c *Config) applyShorthand() {
	if len(c.Listeners) > 0 || c.Port == 0 || c.Host == "" {
		return
	}
	c.Listeners = []ListenerConfig{{
		Name:   "default",
		Mode:   ModeReverse,
		Listen: net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port)),
		Target: "https://" + c.Host,
		Path:   EventsSocketPath,
	}}
	c.UpstreamTLS.Enable = true
	c.UpstreamTLS.InsecureSkipVerify = true
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return errors.New("no listeners configured")
	}

	names := make(map[string]bool, len(c.Listeners))
	for i := range c.Listeners {
		l := &c.Listeners[i]
		l.Mode = strings.ToLower(strings.TrimSpace(l.Mode))
		switch l.Mode {
		case ModeForward, ModeWS, ModeReverse:
			if l.Target == "" {
				return fmt.Errorf("listeners[%d]: %s listener needs a target", i, l.Mode)
			}
			if err := validateTarget(l.Mode, l.Target); err != nil {
				return fmt.Errorf("listeners[%d]: invalid target %q: %w", i, l.Target, err)
			}
		case ModeSOCKS5, ModeHTTP, ModeTProxy:
		default:
			return fmt.Errorf("listeners[%d]: unknown mode %q", i, l.Mode)
		}
		if l.Listen == "" {
			return fmt.Errorf("listeners[%d]: missing listen address", i)
		}
		if l.Mode == ModeWS && l.Path == "" {
			l.Path = "/"
		}
		if l.Name == "" {
			l.Name = l.Mode + "@" + l.Listen
		}
		if names[l.Name] {
			return fmt.Errorf("listeners[%d]: duplicate name %q", i, l.Name)
		}
		names[l.Name] = true
	}

	if c.Limits.MaxSessions <= 0 {
		return fmt.Errorf("invalid limits.max_sessions %d: must be > 0", c.Limits.MaxSessions)
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.resolve", c.Timeouts.Resolve},
		{"timeouts.negotiation", c.Timeouts.Negotiation},
		{"timeouts.shutdown", c.Timeouts.Shutdown},
	} {
		if d.v <= 0 {
			return fmt.Errorf("invalid %s %v: must be > 0", d.key, d.v)
		}
	}
	if c.Timeouts.Idle < 0 {
		return fmt.Errorf("invalid timeouts.idle %v", c.Timeouts.Idle)
	}
	if c.DNS.CacheTTL < 0 {
		return fmt.Errorf("invalid dns.cache_ttl %v", c.DNS.CacheTTL)
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

func validateTarget(mode, target string) error {
	if mode == ModeForward || (mode == ModeWS && !strings.Contains(target, "://")) {
		_, _, err := net.SplitHostPort(target)
		return err
	}

	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	schemes := []string{"ws", "wss"}
	if mode == ModeReverse {
		schemes = []string{"http", "https"}
	}
	if u.Scheme != schemes[0] && u.Scheme != schemes[1] {
		return fmt.Errorf("scheme must be %s or %s", schemes[0], schemes[1])
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// KeepAlive returns the parsed tcp_keepalive setting.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return ssh.AgentAuthType
	}
	return ""
}
