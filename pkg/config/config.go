// Package config resolves server configuration from environment
// variables (§6) with flag overrides for knobs the spec leaves to the
// operator (queue bounds, rate limits, heartbeat range).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved, validated server configuration.
type Config struct {
	Addr     string
	Port     int
	PublicURL string

	RedisURL        string
	RedisRequireTLS bool
	SQLitePath      string

	MailboxTTL time.Duration

	SessionIdleTTL  time.Duration
	HeartbeatMin    int
	HeartbeatMax    int
	DefaultHeartbeat int

	MaxQueueLen   int
	IdleExtension time.Duration
	MaxLifetime   time.Duration

	RendezvousTTL time.Duration

	MaxMessageBytes int

	RegisterRateWindow time.Duration
	RegisterRateMax    int
	ClientRateWindow   time.Duration
	ClientRateMax      int

	RequestTimeout time.Duration
	ReaperInterval time.Duration
}

// defaults mirrors §3/§5's stated defaults.
func defaults() Config {
	return Config{
		Addr:             "0.0.0.0",
		Port:             8080,
		MailboxTTL:       5 * time.Minute,
		SessionIdleTTL:   5 * time.Minute,
		HeartbeatMin:     10,
		HeartbeatMax:     300,
		DefaultHeartbeat: 30,
		MaxQueueLen:      128,
		IdleExtension:    60 * time.Second,
		MaxLifetime:      10 * time.Minute,
		RendezvousTTL:    30 * time.Second,
		MaxMessageBytes:  64 * 1024,

		RegisterRateWindow: time.Minute,
		RegisterRateMax:    10,
		ClientRateWindow:   time.Second,
		ClientRateMax:      60,

		RequestTimeout: 15 * time.Second,
		ReaperInterval: 15 * time.Second,
	}
}

// Load reads SIGNALING_* environment variables, then overlays any flags
// explicitly set on fs/args, and validates the result. fs should
// normally be flag.CommandLine; a fresh FlagSet is accepted so tests can
// call Load without touching package-level flag state.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	c := defaults()

	if v := os.Getenv("SIGNALING_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("SIGNALING_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid SIGNALING_PORT %q: %w", v, err)
		}
		c.Port = n
	}
	if v := os.Getenv("SIGNALING_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SIGNALING_REDIS_REQUIRE_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid SIGNALING_REDIS_REQUIRE_TLS %q: %w", v, err)
		}
		c.RedisRequireTLS = b
	}
	if v := os.Getenv("SIGNALING_MAILBOX_TTL_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid SIGNALING_MAILBOX_TTL_SECS %q: %w", v, err)
		}
		c.MailboxTTL = time.Duration(n) * time.Second
	}
	if v := os.Getenv("SIGNALING_PUBLIC_URL"); v != "" {
		c.PublicURL = v
	}

	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "sqlite file path to use when SIGNALING_REDIS_URL is unset (empty means in-memory store)")
	fs.DurationVar(&c.SessionIdleTTL, "session-idle-ttl", c.SessionIdleTTL, "idle TTL before a session expires")
	fs.IntVar(&c.HeartbeatMin, "heartbeat-min-secs", c.HeartbeatMin, "minimum negotiable heartbeat interval")
	fs.IntVar(&c.HeartbeatMax, "heartbeat-max-secs", c.HeartbeatMax, "maximum negotiable heartbeat interval")
	fs.IntVar(&c.DefaultHeartbeat, "heartbeat-default-secs", c.DefaultHeartbeat, "advisory heartbeat interval handed out at register")
	fs.IntVar(&c.MaxQueueLen, "mailbox-max-queue-len", c.MaxQueueLen, "max queued messages per mailbox")
	fs.DurationVar(&c.IdleExtension, "mailbox-idle-extension", c.IdleExtension, "TTL extension granted on each mailbox read/write")
	fs.DurationVar(&c.MaxLifetime, "mailbox-max-lifetime", c.MaxLifetime, "hard cap on mailbox lifetime from creation")
	fs.DurationVar(&c.RendezvousTTL, "rendezvous-ttl", c.RendezvousTTL, "default rendezvous token lifetime")
	fs.IntVar(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "max ciphertext size accepted by connection/send")
	fs.DurationVar(&c.RegisterRateWindow, "register-rate-window", c.RegisterRateWindow, "per-IP /register rate limit window")
	fs.IntVar(&c.RegisterRateMax, "register-rate-max", c.RegisterRateMax, "max /register calls per IP per window")
	fs.DurationVar(&c.ClientRateWindow, "client-rate-window", c.ClientRateWindow, "per-client signaling rate limit window")
	fs.IntVar(&c.ClientRateMax, "client-rate-max", c.ClientRateMax, "max signaling calls per client per window")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "server-side deadline per HTTP request")
	fs.DurationVar(&c.ReaperInterval, "reaper-interval", c.ReaperInterval, "background eviction sweep cadence")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.HeartbeatMin <= 0 || c.HeartbeatMax < c.HeartbeatMin {
		return fmt.Errorf("config: invalid heartbeat range [%d, %d]", c.HeartbeatMin, c.HeartbeatMax)
	}
	if c.DefaultHeartbeat < c.HeartbeatMin || c.DefaultHeartbeat > c.HeartbeatMax {
		return fmt.Errorf("config: default heartbeat %d outside [%d, %d]", c.DefaultHeartbeat, c.HeartbeatMin, c.HeartbeatMax)
	}
	if c.MaxQueueLen <= 0 {
		return fmt.Errorf("config: mailbox-max-queue-len must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max-message-bytes must be positive")
	}
	if c.RedisRequireTLS && c.RedisURL == "" {
		return fmt.Errorf("config: SIGNALING_REDIS_REQUIRE_TLS set without SIGNALING_REDIS_URL")
	}
	return nil
}
