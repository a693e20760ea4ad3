package config

import (
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	cfg.HubID = "test-hub"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port zero", func(c *Config) { c.ListenPort = 0 }, true},
		{"bad port too high", func(c *Config) { c.ListenPort = 70000 }, true},
		{"zero discovery interval", func(c *Config) { c.DiscoveryIntervalS = 0 }, true},
		{"zero poll interval", func(c *Config) { c.CommandPollInterval = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HUBD_HUB_NAME", "test-hub-name")
	t.Setenv("HUBD_LISTEN_PORT", "9999")
	t.Setenv("HUBD_DISCOVERY_ENABLED", "false")
	t.Setenv("HUBD_ADAPTER_TIMEOUTS", "esphome=5, hue=10")

	cfg := defaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.HubName != "test-hub-name" {
		t.Errorf("HubName = %q, want test-hub-name", cfg.HubName)
	}
	if cfg.ListenPort != 9999 {
		t.Errorf("ListenPort = %d, want 9999", cfg.ListenPort)
	}
	if cfg.DiscoveryEnabled {
		t.Errorf("DiscoveryEnabled = true, want false")
	}
	if cfg.AdapterTimeouts["esphome"] != 5 || cfg.AdapterTimeouts["hue"] != 10 {
		t.Errorf("AdapterTimeouts = %v, want esphome=5 hue=10", cfg.AdapterTimeouts)
	}
}

func TestLocalOnly(t *testing.T) {
	cfg := defaultConfig()
	if !cfg.LocalOnly() {
		t.Errorf("expected LocalOnly with no remote store configured")
	}
	cfg.RemoteStoreURL = "https://example.test"
	cfg.RemoteStoreKey = "key"
	if cfg.LocalOnly() {
		t.Errorf("expected not LocalOnly once remote store is configured")
	}
}
