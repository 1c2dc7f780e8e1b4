package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wgkeeper/internal/config"
)

func envMap(m map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"), envMap(map[string]string{
		"RELAY_IP":          "203.0.113.7",
		"WGKEEPER_ENV_FILE": filepath.Join(dir, "missing.env"),
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Interface != "wg0-client" {
		t.Errorf("Interface = %q, want wg0-client", cfg.Interface)
	}
	if cfg.ConfigPath != "/etc/wireguard/wg0-client.conf" {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}
	if cfg.RelayURL != "http://203.0.113.7:8000" {
		t.Errorf("RelayURL = %q, want http://203.0.113.7:8000", cfg.RelayURL)
	}
	if cfg.HealthURL != "http://10.10.0.1:8000" {
		t.Errorf("HealthURL = %q, want http://10.10.0.1:8000", cfg.HealthURL)
	}
	if got := cfg.Endpoint(); got != "203.0.113.7:51820" {
		t.Errorf("Endpoint() = %q, want 203.0.113.7:51820", got)
	}
	if cfg.PersistentKeepalive != 25 {
		t.Errorf("PersistentKeepalive = %d, want 25", cfg.PersistentKeepalive)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "wgkeeper.env")
	yamlFile := filepath.Join(dir, "config.yaml")

	yamlData := "relay_ip: 198.51.100.1\n" +
		"relay_port: \"9000\"\n" +
		"env_file: " + envFile + "\n" +
		"watch_interval: 2m\n" +
		"allowed_ips: 10.20.0.0/24\n" +
		"log:\n  level: info\n"
	if err := os.WriteFile(yamlFile, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}
	envData := "RELAY_PORT=9100\nCLIENT_PUBLIC_KEY=from-dotenv\nWGKEEPER_SERIAL=SN-DOTENV\n"
	if err := os.WriteFile(envFile, []byte(envData), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(yamlFile, envMap(map[string]string{
		"CLIENT_PUBLIC_KEY": "from-env",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"yaml relay ip", cfg.RelayIP, "198.51.100.1"},
		{"dotenv over yaml", cfg.RelayPort, "9100"},
		{"env over dotenv", cfg.PublicKey, "from-env"},
		{"dotenv only", cfg.Serial, "SN-DOTENV"},
		{"yaml duration", cfg.WatchInterval, 2 * time.Minute},
		{"yaml nested", cfg.Log.Level, "info"},
		{"yaml allowed ips", cfg.AllowedIPs, "10.20.0.0/24"},
		{"derived relay url", cfg.RelayURL, "http://198.51.100.1:9100"},
		{"derived health url", cfg.HealthURL, "http://10.10.0.1:9100"},
		{"untouched default", cfg.SettleDelay, 5 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	noEnv := filepath.Join(dir, "none.env")

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("relay_ip: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(bad, envMap(map[string]string{"WGKEEPER_ENV_FILE": noEnv})); err == nil {
		t.Error("Load() with malformed YAML succeeded")
	}

	_, err := config.Load("", envMap(map[string]string{
		"WGKEEPER_ENV_FILE": noEnv,
		"WGKEEPER_WG_PORT":  "fifty",
	}))
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Load() with bad int error = %v, want ErrInvalid", err)
	}

	_, err = config.Load("", envMap(map[string]string{
		"WGKEEPER_ENV_FILE":       noEnv,
		"WGKEEPER_WATCH_INTERVAL": "often",
	}))
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Load() with bad duration error = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		c := config.Default()
		c.RelayIP = "203.0.113.7"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing relay", func(c *config.Config) { c.RelayIP = "" }},
		{"no key material", func(c *config.Config) { c.PublicKey, c.PrivateKeyPath = "", "" }},
		{"config name mismatch", func(c *config.Config) { c.ConfigPath = "/etc/wireguard/wg1.conf" }},
		{"empty interface", func(c *config.Config) { c.Interface = "" }},
		{"no device file", func(c *config.Config) { c.DeviceFile = "" }},
		{"port out of range", func(c *config.Config) { c.WGPort = 70000 }},
		{"negative keepalive", func(c *config.Config) { c.PersistentKeepalive = -1 }},
		{"bad cidr", func(c *config.Config) { c.AllowedIPs = "10.10.0.0/24, nonsense" }},
		{"zero watch interval", func(c *config.Config) { c.WatchInterval = 0 }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, config.ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}
