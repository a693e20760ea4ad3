// Package config loads hubd's configuration from environment variables
// (the primary, normally-sufficient source per the external interface
// contract), with an optional YAML file layered underneath for
// local-only deployments that prefer a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pelago-hub/hubd/internal/adapter/mqttgeneric"
	"github.com/pelago-hub/hubd/internal/logging"
)

// Config is the root configuration for the daemon.
type Config struct {
	HubID   string `yaml:"hub_id"`
	HubName string `yaml:"hub_name"`
	Version string `yaml:"hub_version"`

	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	RemoteStoreURL string `yaml:"remote_store_url"`
	RemoteStoreKey string `yaml:"remote_store_key"`

	DiscoveryEnabled    bool `yaml:"discovery_enabled"`
	DiscoveryIntervalS  int  `yaml:"discovery_interval_s"`
	TelemetryIntervalS  int  `yaml:"telemetry_interval_s"`
	CommandPollInterval int  `yaml:"command_poll_interval_s"`

	AdapterTimeouts map[string]int `yaml:"adapter_timeouts"`

	LocalStorePath      string `yaml:"local_store_path"`
	CredentialMasterKey string `yaml:"credential_master_key"`

	// MQTT statically declares any generic-MQTT devices (those without
	// their own discovery mechanism). Empty unless a YAML config file
	// is loaded, since there is no environment-variable form for it.
	MQTT mqttgeneric.Config `yaml:"mqtt"`

	Logging logging.Config `yaml:"logging"`
}

// LocalOnly reports whether the daemon has no remote store configured, in
// which case the heartbeat and command consumer are disabled and only the
// local event bus operates.
func (c Config) LocalOnly() bool {
	return c.RemoteStoreURL == "" || c.RemoteStoreKey == ""
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalS) * time.Second
}

func (c Config) TelemetryInterval() time.Duration {
	return time.Duration(c.TelemetryIntervalS) * time.Second
}

func (c Config) CommandPollPeriod() time.Duration {
	return time.Duration(c.CommandPollInterval) * time.Second
}

func defaultConfig() Config {
	return Config{
		HubName:             "hubd",
		Version:             "dev",
		ListenHost:          "0.0.0.0",
		ListenPort:          3100,
		DiscoveryEnabled:    true,
		DiscoveryIntervalS:  30,
		TelemetryIntervalS:  30,
		CommandPollInterval: 2,
		AdapterTimeouts:     map[string]int{},
		LocalStorePath:      "/var/lib/hubd/hubd.db",
		Logging:             logging.Config{Level: "info", Format: "json"},
	}
}

// Load builds a Config starting from defaults, optionally layering a YAML
// file (path may be empty, in which case the file layer is skipped), then
// applying HUBD_* environment overrides, then validating.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := applyYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: load yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.HubID == "" {
		cfg.HubID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolv := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("HUBD_HUB_ID", &cfg.HubID)
	str("HUBD_HUB_NAME", &cfg.HubName)
	str("HUBD_HUB_VERSION", &cfg.Version)
	str("HUBD_LISTEN_HOST", &cfg.ListenHost)
	intv("HUBD_LISTEN_PORT", &cfg.ListenPort)
	str("HUBD_REMOTE_STORE_URL", &cfg.RemoteStoreURL)
	str("HUBD_REMOTE_STORE_KEY", &cfg.RemoteStoreKey)
	boolv("HUBD_DISCOVERY_ENABLED", &cfg.DiscoveryEnabled)
	intv("HUBD_DISCOVERY_INTERVAL_S", &cfg.DiscoveryIntervalS)
	intv("HUBD_TELEMETRY_INTERVAL_S", &cfg.TelemetryIntervalS)
	intv("HUBD_COMMAND_POLL_INTERVAL_S", &cfg.CommandPollInterval)
	str("HUBD_LOG_LEVEL", &cfg.Logging.Level)
	str("HUBD_LOG_FORMAT", &cfg.Logging.Format)
	str("HUBD_LOCAL_STORE_PATH", &cfg.LocalStorePath)
	str("HUBD_CREDENTIAL_MASTER_KEY", &cfg.CredentialMasterKey)

	if raw, ok := os.LookupEnv("HUBD_ADAPTER_TIMEOUTS"); ok {
		cfg.AdapterTimeouts = parseAdapterTimeouts(raw)
	}
}

// parseAdapterTimeouts parses "esphome=5,hue=10" into a map.
func parseAdapterTimeouts(raw string) map[string]int {
	out := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
			out[strings.TrimSpace(kv[0])] = n
		}
	}
	return out
}

// Validate enforces required fields and sane ranges.
func (c Config) Validate() error {
	var problems []string

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		problems = append(problems, "listen_port must be between 1 and 65535")
	}
	if c.DiscoveryIntervalS <= 0 {
		problems = append(problems, "discovery_interval_s must be positive")
	}
	if c.CommandPollInterval <= 0 {
		problems = append(problems, "command_poll_interval_s must be positive")
	}
	if c.LocalStorePath == "" {
		problems = append(problems, "local_store_path must not be empty")
	}
	if !c.LocalOnly() {
		if _, err := parseRemoteStoreKey(c.RemoteStoreKey); err != nil {
			// An unparseable key is not fatal: it is treated as an opaque
			// bearer token. Only log-worthy, not a validation failure.
			_ = err
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// RemoteStoreKeyClaims describes what was recoverable from the configured
// remote_store_key without verifying its signature; the daemon is a
// bearer of this token, not its verifier.
type RemoteStoreKeyClaims struct {
	Issuer    string
	ExpiresAt time.Time
	Expired   bool
}

// InspectRemoteStoreKey attempts to parse RemoteStoreKey as a JWT (the
// shape Supabase-style anon/service keys use) purely to surface
// diagnostic claims. A non-JWT or malformed key is not an error at this
// layer.
func (c Config) InspectRemoteStoreKey() (RemoteStoreKeyClaims, bool) {
	claims, err := parseRemoteStoreKey(c.RemoteStoreKey)
	if err != nil {
		return RemoteStoreKeyClaims{}, false
	}
	return claims, true
}

func parseRemoteStoreKey(raw string) (RemoteStoreKeyClaims, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return RemoteStoreKeyClaims{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return RemoteStoreKeyClaims{}, fmt.Errorf("config: unexpected claims type")
	}

	out := RemoteStoreKeyClaims{}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
		out.Expired = exp.Time.Before(time.Now())
	}
	return out, nil
}
