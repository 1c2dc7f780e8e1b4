// Package config loads the agent configuration: a YAML file, then an optional
// dotenv file, then the process environment, each overriding the previous layer.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wgkeeper/internal/logging"
)

// Default locations.
const (
	DefaultPath    = "/etc/wgkeeper/config.yaml"
	DefaultEnvFile = "/etc/wgkeeper/wgkeeper.env"

	defaultInterface  = "wg0-client"
	defaultWGDir      = "/etc/wireguard"
	defaultRelayPort  = "8000"
	defaultAllowedIPs = "10.10.0.0/24"
	defaultWGPort     = 51820
	defaultKeepalive  = 25
	// The relay answers health checks on its overlay address.
	defaultRelayOverlayIP = "10.10.0.1"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete agent configuration.
type Config struct {
	Interface      string `yaml:"interface"`
	ConfigPath     string `yaml:"config_path"`
	PrivateKeyPath string `yaml:"private_key_path"`
	DeviceFile     string `yaml:"device_file"`
	LockFile       string `yaml:"lock_file"`
	EnvFile        string `yaml:"env_file"`

	// PublicKey is sent at registration. Derived from the private key when empty.
	PublicKey string `yaml:"public_key"`
	// Serial overrides hardware serial detection.
	Serial string `yaml:"serial"`

	RelayIP   string `yaml:"relay_ip"`
	RelayPort string `yaml:"relay_port"`
	// RelayURL and HealthURL are derived from RelayIP and RelayPort when empty.
	RelayURL  string `yaml:"relay_url"`
	HealthURL string `yaml:"health_url"`

	AllowedIPs          string `yaml:"allowed_ips"`
	WGPort              int    `yaml:"wg_port"`
	PersistentKeepalive int    `yaml:"persistent_keepalive"`

	ProbeHost string `yaml:"probe_host"`
	NTPServer string `yaml:"ntp_server"`

	RegisterAttempts int           `yaml:"register_attempts"`
	RegisterDelay    time.Duration `yaml:"register_delay"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	RelayTimeout     time.Duration `yaml:"relay_timeout"`
	HandshakeMaxAge  time.Duration `yaml:"handshake_max_age"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`

	Log logging.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interface:           defaultInterface,
		ConfigPath:          filepath.Join(defaultWGDir, defaultInterface+".conf"),
		PrivateKeyPath:      filepath.Join(defaultWGDir, "client_private.key"),
		DeviceFile:          filepath.Join(defaultWGDir, "device.json"),
		LockFile:            "/run/wgkeeper.lock",
		EnvFile:             DefaultEnvFile,
		RelayPort:           defaultRelayPort,
		AllowedIPs:          defaultAllowedIPs,
		WGPort:              defaultWGPort,
		PersistentKeepalive: defaultKeepalive,
		ProbeHost:           "8.8.8.8",
		NTPServer:           "pool.ntp.org",
		RegisterAttempts:    5,
		RegisterDelay:       5 * time.Second,
		SettleDelay:         5 * time.Second,
		RelayTimeout:        5 * time.Second,
		HandshakeMaxAge:     120 * time.Second,
		WatchInterval:       5 * time.Minute,
		CommandTimeout:      30 * time.Second,
		Log: logging.Config{
			Level: "debug",
			File:  logging.DefaultFile,
		},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from path (a missing file is fine), the dotenv
// file it names, and lookup. A nil lookup reads the process environment.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if v, ok := lookup("WGKEEPER_ENV_FILE"); ok {
		cfg.EnvFile = v
	}
	dotenv, err := readEnvFile(cfg.EnvFile)
	if err != nil {
		return cfg, err
	}
	// The real environment wins over the dotenv file.
	layered := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(layered); err != nil {
		return cfg, err
	}

	cfg.derive()
	return cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"CLIENT_PUBLIC_KEY":    &c.PublicKey,
		"RELAY_IP":             &c.RelayIP,
		"RELAY_PORT":           &c.RelayPort,
		"WGKEEPER_INTERFACE":   &c.Interface,
		"WGKEEPER_CONFIG_PATH": &c.ConfigPath,
		"WGKEEPER_PRIVATE_KEY": &c.PrivateKeyPath,
		"WGKEEPER_DEVICE_FILE": &c.DeviceFile,
		"WGKEEPER_SERIAL":      &c.Serial,
		"WGKEEPER_RELAY_URL":   &c.RelayURL,
		"WGKEEPER_HEALTH_URL":  &c.HealthURL,
		"WGKEEPER_ALLOWED_IPS": &c.AllowedIPs,
		"WGKEEPER_PROBE_HOST":  &c.ProbeHost,
		"WGKEEPER_NTP_SERVER":  &c.NTPServer,
		"WGKEEPER_LOG_LEVEL":   &c.Log.Level,
		"WGKEEPER_LOG_FILE":    &c.Log.File,
		"WGKEEPER_LOCK_FILE":   &c.LockFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"WGKEEPER_WG_PORT":           &c.WGPort,
		"WGKEEPER_KEEPALIVE":         &c.PersistentKeepalive,
		"WGKEEPER_REGISTER_ATTEMPTS": &c.RegisterAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, key, v, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"WGKEEPER_WATCH_INTERVAL": &c.WatchInterval,
		"WGKEEPER_SETTLE_DELAY":   &c.SettleDelay,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, key, v, err)
		}
		*dst = d
	}
	return nil
}

func (c *Config) derive() {
	if c.RelayURL == "" && c.RelayIP != "" {
		c.RelayURL = "http://" + net.JoinHostPort(c.RelayIP, c.RelayPort)
	}
	if c.HealthURL == "" {
		c.HealthURL = "http://" + net.JoinHostPort(defaultRelayOverlayIP, c.RelayPort)
	}
}

// Endpoint is the relay's WireGuard endpoint.
func (c Config) Endpoint() string {
	return net.JoinHostPort(c.RelayIP, strconv.Itoa(c.WGPort))
}

// Validate reports the first problem that would stop the agent from working.
func (c Config) Validate() error {
	if c.RelayIP == "" {
		return fmt.Errorf("%w: relay_ip (RELAY_IP) is required", ErrInvalid)
	}
	if c.PublicKey == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("%w: public_key (CLIENT_PUBLIC_KEY) or private_key_path is required", ErrInvalid)
	}
	if c.Interface == "" {
		return fmt.Errorf("%w: interface is required", ErrInvalid)
	}
	// wg-quick derives the interface name from the file name.
	if want := c.Interface + ".conf"; filepath.Base(c.ConfigPath) != want {
		return fmt.Errorf("%w: config_path %q must be named %s", ErrInvalid, c.ConfigPath, want)
	}
	if c.DeviceFile == "" {
		return fmt.Errorf("%w: device_file is required", ErrInvalid)
	}
	if c.WGPort < 1 || c.WGPort > 65535 {
		return fmt.Errorf("%w: wg_port %d out of range", ErrInvalid, c.WGPort)
	}
	if c.PersistentKeepalive < 0 {
		return fmt.Errorf("%w: persistent_keepalive must not be negative", ErrInvalid)
	}
	for cidr := range strings.SplitSeq(c.AllowedIPs, ",") {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("%w: allowed_ips: %w", ErrInvalid, err)
		}
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("%w: watch_interval must be positive", ErrInvalid)
	}
	return nil
}
