// Package config holds the server's static configuration: bind addresses
// per transport, timeouts, heartbeat defaults, fragment TTL, backpressure
// depth, and AEAD cipher preference. Values are populated from cobra flags
// (with ARKEEP-style env-var fallbacks, following the teacher's
// envOrDefault pattern) in cmd/beacond.
package config

import (
	"os"
	"time"

	"github.com/duskrelay/beacon/internal/errs"
)

// TCPConfig configures the length-prefixed TCP listener.
type TCPConfig struct {
	Enabled     bool
	BindAddr    string
	ReadTimeout time.Duration
}

// UDPConfig configures the single-socket UDP listener.
type UDPConfig struct {
	Enabled   bool
	BindAddr  string
	MTUBudget int
}

// WSConfig configures the WebSocket listener.
type WSConfig struct {
	Enabled  bool
	BindAddr string
	Path     string
}

// ICMPConfig configures the raw-socket ICMP listener.
type ICMPConfig struct {
	Enabled  bool
	BindAddr string
}

// DNSConfig configures the UDP/53 DNS TXT listener.
type DNSConfig struct {
	Enabled   bool
	BindAddr  string
	Zone      string
	MTUBudget int
}

// Config is the complete server configuration.
type Config struct {
	LogLevel string

	TCP  TCPConfig
	UDP  UDPConfig
	WS   WSConfig
	ICMP ICMPConfig
	DNS  DNSConfig

	// HeartbeatInterval/HeartbeatJitter are the defaults offered to an
	// agent during registration if it does not request its own (§4.3:
	// 1 <= interval <= 86400s, jitter <= interval).
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// FragmentTTL records the fragment reassembly expiry (§4.2: default
	// 60s). It is not passed to the reassembler, which evicts incomplete
	// sets after its own fixed 60s.
	FragmentTTL time.Duration

	// BackpressureDepth records the outbound queue bound (§5: default
	// 256). Validate requires it to be positive, but it is not passed to
	// the session package, whose queues have a fixed depth of 256.
	BackpressureDepth int

	// CipherPreference lists the AEAD magic bytes this server offers
	// during registration, in preference order. Must be non-empty and
	// contain only recognized magics (aead.MagicAESGCM, aead.MagicChaCha20).
	CipherPreference []byte

	// HealthAddr is the bind address for the operational /healthz and
	// /metrics sub-mux shared by every listener — not the excluded
	// management API.
	HealthAddr string
}

// Default returns a Config with the spec's stated defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		TCP: TCPConfig{
			Enabled:     true,
			BindAddr:    ":4443",
			ReadTimeout: 90 * time.Second,
		},
		UDP: UDPConfig{
			Enabled:   true,
			BindAddr:  ":4444",
			MTUBudget: 1400,
		},
		WS: WSConfig{
			Enabled:  true,
			BindAddr: ":4445",
			Path:     "/ws",
		},
		ICMP: ICMPConfig{
			Enabled:  false,
			BindAddr: "0.0.0.0",
		},
		DNS: DNSConfig{
			Enabled:   false,
			BindAddr:  ":53",
			Zone:      "beacon.internal.",
			MTUBudget: 240, // not read by the DNS listener, which packetizes to 8x255 bytes per answer
		},
		HeartbeatInterval: 30 * time.Second,
		HeartbeatJitter:   5 * time.Second,
		FragmentTTL:       60 * time.Second,
		BackpressureDepth: 256,
		CipherPreference:  []byte{0xA3, 0xC2},
		HealthAddr:        ":4440",
	}
}

// Validate checks invariants Default() already satisfies but flags could
// violate (§4.3's heartbeat bounds, a non-empty cipher preference list).
func (c Config) Validate() error {
	if c.HeartbeatInterval < time.Second || c.HeartbeatInterval > 86400*time.Second {
		return errs.New(errs.InvalidArgument, "config.Validate", "heartbeat interval out of range")
	}
	if c.HeartbeatJitter > c.HeartbeatInterval {
		return errs.New(errs.InvalidArgument, "config.Validate", "heartbeat jitter exceeds interval")
	}
	if c.BackpressureDepth <= 0 {
		return errs.New(errs.InvalidArgument, "config.Validate", "backpressure depth must be positive")
	}
	if len(c.CipherPreference) == 0 {
		return errs.New(errs.InvalidArgument, "config.Validate", "cipher preference must not be empty")
	}
	for _, magic := range c.CipherPreference {
		if magic != 0xA3 && magic != 0xC2 {
			return errs.New(errs.InvalidArgument, "config.Validate", "unrecognized cipher magic in preference list")
		}
	}
	return nil
}

// EnvOrDefault returns the environment variable named key, or defaultVal
// if it is unset or empty — the teacher's envOrDefault, reused verbatim
// for cobra flag defaults in cmd/beacond.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
