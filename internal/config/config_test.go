package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIPPort != 5060 {
		t.Errorf("SIPPort = %d, want 5060", cfg.SIPPort)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q, want sqlite", cfg.StoreDriver)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log config = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load([]string{
		"-sip-port", "5070",
		"-rtp-port-min", "20000",
		"-rtp-port-max", "20100",
		"-log-level", "DEBUG",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070", cfg.SIPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowercased)", cfg.LogLevel)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VOXBRIDGE_SIP_PORT", "5080")
	t.Setenv("VOXBRIDGE_LOG_FORMAT", "json")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080 from env", cfg.SIPPort)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json from env", cfg.LogFormat)
	}

	// CLI flags beat env vars.
	cfg, err = load([]string{"-sip-port", "5090"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIPPort != 5090 {
		t.Errorf("SIPPort = %d, want 5090 from flag", cfg.SIPPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad sip port", []string{"-sip-port", "0"}},
		{"odd rtp min", []string{"-rtp-port-min", "10001"}},
		{"rtp range inverted", []string{"-rtp-port-min", "20000", "-rtp-port-max", "10000"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad log format", []string{"-log-format", "xml"}},
		{"bad media ip", []string{"-media-ip", "not-an-ip"}},
		{"unknown store driver", []string{"-store-driver", "oracle"}},
		{"postgres without dsn", []string{"-store-driver", "postgres"}},
		{"zero ring timeout", []string{"-ring-timeout", "0"}},
		{"bad gateway url", []string{"-gateway-url", "http://bot.example"}},
		{"zero call rate", []string{"-call-rate", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Errorf("load(%v) succeeded, want error", tt.args)
			}
		})
	}
}
