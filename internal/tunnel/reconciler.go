// Package tunnel owns the wg-quick configuration file and the live peer table of the
// tunnel interface, and reconciles both against the device record.
//
// Reconciliation compares instead of patching: when anything drifts, the complete
// desired configuration is rewritten and the interface restarted.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgkeeper/internal/device"
	"wgkeeper/internal/wgconf"
)

const (
	configFilePerm = 0o600
	configDirPerm  = 0o700
	// Base64 of a 32-byte Curve25519 key.
	encodedKeyLength = 44

	// DefaultHandshakeMaxAge is how old the latest handshake may be for a healthy peer.
	DefaultHandshakeMaxAge = 120 * time.Second
)

var (
	// ErrPrivateKey is returned when the local private key is missing or malformed.
	ErrPrivateKey = errors.New("wireguard private key unavailable")
	// ErrInvalidRecord is returned when the device record lacks a required field.
	ErrInvalidRecord = errors.New("device record is incomplete")
)

// Config is the static tunnel configuration.
type Config struct {
	// Interface is the wg-quick interface name; ConfigPath must be <dir>/<Interface>.conf.
	Interface      string
	ConfigPath     string
	PrivateKeyPath string
	// AllowedIPs is routed through the relay peer.
	AllowedIPs string
	// Endpoint is the relay's host:port.
	Endpoint            string
	PersistentKeepalive int
}

// Result is the outcome of a Reconcile call.
type Result int

// Reconcile outcomes.
const (
	ResultConverged Result = iota
	ResultUpdated
	ResultAborted
)

func (r Result) String() string {
	switch r {
	case ResultConverged:
		return "converged"
	case ResultUpdated:
		return "updated"
	case ResultAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Reconciler keeps the tunnel interface in the state described by a device record.
type Reconciler struct {
	runner    ProcessRunner
	inspector PeerInspector
	links     LinkInspector
	clock     clock.Clock
	logger    zerolog.Logger
	cfg       Config
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLinkInspector lets Restart skip tearing down an interface that does not exist.
func WithLinkInspector(links LinkInspector) Option {
	return func(r *Reconciler) { r.links = links }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Reconciler) { r.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// New returns a Reconciler.
func New(cfg Config, runner ProcessRunner, inspector PeerInspector, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:       cfg,
		runner:    runner,
		inspector: inspector,
		clock:     clock.New(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "tunnel").Str("interface", cfg.Interface).Logger()
	return r
}

// Interface returns the managed interface name.
func (r *Reconciler) Interface() string {
	return r.cfg.Interface
}

// BuildConfig renders the complete desired configuration for rec. It fails, without
// touching anything, if the private key is missing or malformed. The relay's
// assigned address and public key are written as given.
func (r *Reconciler) BuildConfig(rec device.Record) (wgconf.Document, error) {
	privateKey, err := r.readPrivateKey()
	if err != nil {
		return wgconf.Document{}, err
	}

	if missing := rec.Missing(); len(missing) > 0 {
		return wgconf.Document{}, fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}

	return wgconf.Document{Sections: []wgconf.Section{
		{
			Name: wgconf.SectionInterface,
			Entries: []wgconf.Entry{
				{Key: wgconf.KeyPrivateKey, Value: privateKey.String()},
				{Key: wgconf.KeyAddress, Value: desiredAddress(rec.AssignedIP())},
			},
		},
		{
			Name: wgconf.SectionPeer,
			Entries: []wgconf.Entry{
				{Key: wgconf.KeyPublicKey, Value: rec.RelayPublicKey()},
				{Key: wgconf.KeyAllowedIPs, Value: r.cfg.AllowedIPs},
				{Key: wgconf.KeyEndpoint, Value: r.cfg.Endpoint},
				{Key: wgconf.KeyPersistentKeepalive, Value: strconv.Itoa(r.cfg.PersistentKeepalive)},
			},
		},
	}}, nil
}

func (r *Reconciler) readPrivateKey() (wgtypes.Key, error) {
	data, err := os.ReadFile(r.cfg.PrivateKeyPath)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %w", ErrPrivateKey, err)
	}
	encoded := strings.TrimSpace(string(data))
	if len(encoded) != encodedKeyLength {
		return wgtypes.Key{}, fmt.Errorf("%w: %s has length %d, expected %d", ErrPrivateKey, r.cfg.PrivateKeyPath, len(encoded), encodedKeyLength)
	}
	key, err := wgtypes.ParseKey(encoded)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %w", ErrPrivateKey, err)
	}
	return key, nil
}

// Reconcile brings the interface to the state described by rec. A converged
// interface is left alone. Otherwise the full config is rewritten and the interface
// restarted; a failed bring-up is logged and left to the next pass.
func (r *Reconciler) Reconcile(ctx context.Context, rec device.Record) (Result, error) {
	sig := r.ComputeSignal(ctx, rec)
	if !sig.NeedsUpdate() {
		r.logger.Info().Msg("wireguard already in desired state")
		return ResultConverged, nil
	}

	r.logger.Info().Str("drift", string(sig.Drift)).Msg("reconciling wireguard state")

	doc, err := r.BuildConfig(rec)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build wireguard config, leaving current state untouched")
		return ResultAborted, fmt.Errorf("build tunnel config: %w", err)
	}
	if err := r.writeConfig(doc); err != nil {
		r.logger.Error().Err(err).Msg("failed to save wireguard config")
		return ResultAborted, err
	}
	r.logger.Info().Str("path", r.cfg.ConfigPath).Msg("wireguard config saved")

	// A failed bring-up is logged by Restart; the next pass sees the runtime drift.
	_ = r.Restart(ctx) //nolint:errcheck // logged
	return ResultUpdated, nil
}

func (r *Reconciler) writeConfig(doc wgconf.Document) error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.ConfigPath), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomicwriter.WriteFile(r.cfg.ConfigPath, doc.Bytes(), configFilePerm); err != nil {
		return fmt.Errorf("failed to write wireguard config: %w", err)
	}
	return nil
}

// Restart tears the interface down and brings it back up. Teardown failures are
// ignored since the interface may not exist; bring-up failures are returned.
func (r *Reconciler) Restart(ctx context.Context) error {
	if r.shouldTearDown() {
		if _, err := r.runner.Run(ctx, "wg-quick", "down", r.cfg.ConfigPath); err != nil {
			r.logger.Debug().Err(err).Msg("teardown failed, ignoring")
		}
	}
	if _, err := r.runner.Run(ctx, "wg-quick", "up", r.cfg.ConfigPath); err != nil {
		r.logger.Error().Err(err).Msg("failed to restart wireguard interface")
		return fmt.Errorf("bring up %s: %w", r.cfg.Interface, err)
	}
	r.logger.Info().Msg("wireguard interface restarted successfully")
	return nil
}

func (r *Reconciler) shouldTearDown() bool {
	if r.links == nil {
		return true
	}
	state, err := r.links.LinkState(r.cfg.Interface)
	if err != nil {
		return true
	}
	return state.Exists
}

// AddPeer adds the relay peer to the running interface with "wg set" when it is
// missing. Reconcile never uses this path; it exists for manual repair.
func (r *Reconciler) AddPeer(ctx context.Context, rec device.Record) error {
	if r.PeerExistsRuntime(ctx, rec.RelayPublicKey()) {
		r.logger.Info().Str("peer", rec.RelayPublicKey()).Msg("peer already exists")
		return nil
	}
	_, err := r.runner.Run(ctx, "wg", "set", r.cfg.Interface,
		"peer", rec.RelayPublicKey(),
		"allowed-ips", r.cfg.AllowedIPs,
		"endpoint", r.cfg.Endpoint,
	)
	if err != nil {
		return fmt.Errorf("add peer %s: %w", rec.RelayPublicKey(), err)
	}
	r.logger.Info().Str("peer", rec.RelayPublicKey()).Msg("peer added")
	return nil
}

// RemovePeer drops every [Peer] stanza keyed by publicKey from the config file.
// It reports whether anything was removed.
func (r *Reconciler) RemovePeer(publicKey string) (bool, error) {
	doc, err := wgconf.Load(r.cfg.ConfigPath)
	if err != nil {
		return false, fmt.Errorf("load wireguard config: %w", err)
	}
	if doc.RemovePeers(publicKey) == 0 {
		r.logger.Warn().Str("peer", publicKey).Msg("peer not found in config")
		return false, nil
	}
	if err := r.writeConfig(doc); err != nil {
		return false, err
	}
	r.logger.Info().Str("peer", publicKey).Msg("peer removed from config")
	return true, nil
}

// hostPrefix renders addr as a single-host prefix: /32 for IPv4, /128 for IPv6.
func hostPrefix(addr netip.Addr) string {
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}

// desiredAddress is the Address value a config for assignedIP must carry.
func desiredAddress(assignedIP string) string {
	if addr, err := netip.ParseAddr(assignedIP); err == nil {
		return hostPrefix(addr)
	}
	return assignedIP + "/32"
}
