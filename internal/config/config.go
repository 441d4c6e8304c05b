// Package config loads runtime configuration from CLI flags and
// environment variables. Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the voxbridge server.
type Config struct {
	DataDir     string
	StoreDriver string // "sqlite" or "postgres"
	PostgresDSN string

	SIPPort    int
	RTPPortMin int
	RTPPortMax int
	MediaIP    string // IP advertised in SDP answers; auto-detected if empty

	OpsPort int // HTTP port for health and metrics

	GatewayURL string // companion bot websocket URL; playback-only without it
	BotToken   string // token presented to the companion bot

	RingTimeoutSec int // seconds a channel rings before the call fails
	IdleTimeoutSec int // seconds without audio before an active call is torn down

	CallRate  float64 // new calls per second allowed per source host
	CallBurst int

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultStoreDriver = "sqlite"
	defaultSIPPort     = 5060
	defaultRTPPortMin  = 10000
	defaultRTPPortMax  = 20000
	defaultOpsPort     = 8080
	defaultRingTimeout = 45
	defaultIdleTimeout = 120
	defaultCallRate    = 2.0
	defaultCallBurst   = 5
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all voxbridge environment variables.
const envPrefix = "VOXBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.StoreDriver, "store-driver", defaultStoreDriver, "storage backend (sqlite, postgres)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "postgres connection string (store-driver=postgres)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.MediaIP, "media-ip", "", "IP address advertised in SDP answers (auto-detected if empty)")
	fs.IntVar(&cfg.OpsPort, "ops-port", defaultOpsPort, "HTTP listen port for health and metrics")
	fs.StringVar(&cfg.GatewayURL, "gateway-url", "", "companion bot websocket URL (ws:// or wss://)")
	fs.StringVar(&cfg.BotToken, "bot-token", "", "token presented to the companion bot")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeout, "seconds a channel rings before the call fails")
	fs.IntVar(&cfg.IdleTimeoutSec, "idle-timeout", defaultIdleTimeout, "seconds without audio before an active call is torn down")
	fs.Float64Var(&cfg.CallRate, "call-rate", defaultCallRate, "new calls per second allowed per source host")
	fs.IntVar(&cfg.CallBurst, "call-burst", defaultCallBurst, "burst of new calls allowed per source host")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":     envPrefix + "DATA_DIR",
		"store-driver": envPrefix + "STORE_DRIVER",
		"postgres-dsn": envPrefix + "POSTGRES_DSN",
		"sip-port":     envPrefix + "SIP_PORT",
		"rtp-port-min": envPrefix + "RTP_PORT_MIN",
		"rtp-port-max": envPrefix + "RTP_PORT_MAX",
		"media-ip":     envPrefix + "MEDIA_IP",
		"ops-port":     envPrefix + "OPS_PORT",
		"gateway-url":  envPrefix + "GATEWAY_URL",
		"bot-token":    envPrefix + "BOT_TOKEN",
		"ring-timeout": envPrefix + "RING_TIMEOUT",
		"idle-timeout": envPrefix + "IDLE_TIMEOUT",
		"call-rate":    envPrefix + "CALL_RATE",
		"call-burst":   envPrefix + "CALL_BURST",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "store-driver":
			cfg.StoreDriver = val
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "media-ip":
			cfg.MediaIP = val
		case "ops-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OpsPort = v
			}
		case "gateway-url":
			cfg.GatewayURL = val
		case "bot-token":
			cfg.BotToken = val
		case "ring-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeoutSec = v
			}
		case "idle-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.IdleTimeoutSec = v
			}
		case "call-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.CallRate = v
			}
		case "call-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CallBurst = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	switch c.StoreDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required with store-driver=postgres")
		}
	default:
		return fmt.Errorf("store-driver must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.OpsPort < 1 || c.OpsPort > 65535 {
		return fmt.Errorf("ops-port must be between 1 and 65535, got %d", c.OpsPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.MediaIP != "" && net.ParseIP(c.MediaIP) == nil {
		return fmt.Errorf("media-ip %q is not a valid IP address", c.MediaIP)
	}
	if c.GatewayURL != "" {
		u, err := url.Parse(c.GatewayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("gateway-url must be a ws:// or wss:// URL, got %q", c.GatewayURL)
		}
	}
	if c.RingTimeoutSec < 1 {
		return fmt.Errorf("ring-timeout must be positive, got %d", c.RingTimeoutSec)
	}
	if c.IdleTimeoutSec < 0 {
		return fmt.Errorf("idle-timeout must not be negative, got %d", c.IdleTimeoutSec)
	}
	if c.CallRate <= 0 {
		return fmt.Errorf("call-rate must be positive, got %g", c.CallRate)
	}
	if c.CallBurst < 1 {
		return fmt.Errorf("call-burst must be at least 1, got %d", c.CallBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogHandler builds the slog handler matching the configured level and
// format.
func (c *Config) SlogHandler() slog.Handler {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// ResolveMediaIP returns the IP to advertise in SDP answers. When media-ip
// is not configured it picks the outbound interface address.
func (c *Config) ResolveMediaIP() (string, error) {
	if c.MediaIP != "" {
		return c.MediaIP, nil
	}
	// Routing a UDP "connection" does not send packets; it only asks the
	// kernel which source address it would use.
	conn, err := net.Dial("udp", "198.51.100.1:1")
	if err != nil {
		return "", fmt.Errorf("detecting media ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
