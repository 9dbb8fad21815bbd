// Package config holds the runtime configuration for both roles.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Role represents the process role (relay server or terminal client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// TransportKind selects how a client reaches the relay.
type TransportKind string

const (
	TransportWS     TransportKind = "ws"
	TransportWebRTC TransportKind = "webrtc"
)

// DefaultPort is the relay listening port when PORT is unset.
const DefaultPort = 3001

// DefaultRedisChannel receives transfer notifications when a Redis tap is configured.
const DefaultRedisChannel = "netviz:transfers"

// Config stores every parameter gathered from the environment, CLI flags or
// interactive prompts.
type Config struct {
	Role Role

	// Server
	Port         int    // PORT
	LocalOnly    bool   // bind 127.0.0.1 instead of every interface
	StaticDir    string // NETVIZ_STATIC: optional directory served at "/"
	DemoTraffic  bool   // NETVIZ_DEMO: sample transfers on connect
	RedisAddr    string // REDIS_ADDR: optional transfer tap
	RedisChannel string
	MDNS         bool // NETVIZ_MDNS: announce over zeroconf

	// Client
	ServerURL   string // base URL, e.g. http://localhost:3001
	Transport   TransportKind
	Discover    bool   // browse mDNS when ServerURL is empty
	PcapPath    string // write the packet log here on exit
	Target      int    // non-interactive send target
	Protocol    string // non-interactive send protocol
	Message     string // non-interactive send payload
	Interactive bool   // prompt for sends instead of drawing a live view
	Samples     bool   // NETVIZ_SAMPLES: local sample animations on peer change

	// Shared
	ICEServers []string // NETVIZ_STUN, comma separated
	Debug      bool
}

// FromEnv builds a Config with defaults, overridden by the environment.
// getenv is usually os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Role:         RoleServer,
		Port:         DefaultPort,
		RedisChannel: DefaultRedisChannel,
		Transport:    TransportWS,
		Protocol:     "tcp",
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	if v := getenv("NETVIZ_ROLE"); v != "" {
		cfg.Role = Role(v)
	}
	cfg.StaticDir = getenv("NETVIZ_STATIC")
	cfg.RedisAddr = getenv("REDIS_ADDR")

	var errs []error
	if v := getenv("NETVIZ_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("NETVIZ_DEMO", v, err))
		cfg.DemoTraffic = b
	}
	if v := getenv("NETVIZ_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("NETVIZ_MDNS", v, err))
		cfg.MDNS = b
	}
	if v := getenv("NETVIZ_SAMPLES"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("NETVIZ_SAMPLES", v, err))
		cfg.Samples = b
	}
	if v := getenv("NETVIZ_STUN"); v != "" {
		cfg.ICEServers = SplitList(v)
	}

	return cfg, errors.Join(errs...)
}

func wrapEnv(name, value string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s %q: %w", name, value, err)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the fields relevant to the configured role.
func (c Config) Validate() error {
	switch c.Role {
	case RoleServer:
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d: must be 1~65535", c.Port)
		}
		return nil

	case RoleClient:
		if c.Transport != TransportWS && c.Transport != TransportWebRTC {
			return fmt.Errorf("invalid transport %q: must be 'ws' or 'webrtc'", c.Transport)
		}
		if c.ServerURL == "" && !c.Discover {
			return errors.New("missing server URL (or enable discovery)")
		}
		if c.Protocol != "tcp" && c.Protocol != "udp" {
			return fmt.Errorf("invalid protocol %q: must be 'tcp' or 'udp'", c.Protocol)
		}
		if c.Message != "" && c.Target <= 0 {
			return errors.New("a message requires a positive target id")
		}
		return nil

	default:
		return fmt.Errorf("invalid role %q: must be 'server' or 'client'", c.Role)
	}
}

// Endpoint turns a base server URL into the WebSocket URL for path
// ("/ws" or "/rtc"). http and https map to ws and wss; a bare host
// defaults to ws.
func Endpoint(raw, path string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", raw)
	}

	scheme := "ws"
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}
