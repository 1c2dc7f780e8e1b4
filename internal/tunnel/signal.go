package tunnel

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgkeeper/internal/device"
	"wgkeeper/internal/wgconf"
)

// Drift names the first check that failed when comparing actual and desired state.
type Drift string

// Drift kinds, in evaluation order.
const (
	DriftNone               Drift = "none"
	DriftConfigMissing      Drift = "config_missing"
	DriftAddressMismatch    Drift = "address_mismatch"
	DriftPeerMissingConfig  Drift = "peer_missing_config"
	DriftPeerMissingRuntime Drift = "peer_missing_runtime"
)

// Signal is the result of comparing the tunnel against a device record.
// Checks short-circuit: fields after the first failing one are false.
type Signal struct {
	ConfigExists   bool
	AddressMatches bool
	PeerInConfig   bool
	PeerInRuntime  bool
	Drift          Drift
}

// NeedsUpdate reports whether the config must be rewritten.
func (s Signal) NeedsUpdate() bool {
	return s.Drift != DriftNone
}

// ComputeSignal compares the config file and live interface against rec. The live
// interface is only queried once the file checks pass.
func (r *Reconciler) ComputeSignal(ctx context.Context, rec device.Record) Signal {
	var sig Signal

	doc, err := wgconf.Load(r.cfg.ConfigPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn().Err(err).Msg("unreadable wireguard config, treating as missing")
		}
		sig.Drift = DriftConfigMissing
		return sig
	}
	sig.ConfigExists = true

	if !addressMatches(doc, rec.AssignedIP()) {
		sig.Drift = DriftAddressMismatch
		return sig
	}
	sig.AddressMatches = true

	if _, ok := doc.PeerByKey(rec.RelayPublicKey()); !ok {
		sig.Drift = DriftPeerMissingConfig
		return sig
	}
	sig.PeerInConfig = true

	if !r.PeerExistsRuntime(ctx, rec.RelayPublicKey()) {
		sig.Drift = DriftPeerMissingRuntime
		return sig
	}
	sig.PeerInRuntime = true
	sig.Drift = DriftNone
	return sig
}

// AddressMatches reports whether the config file assigns assignedIP to the interface.
// An unreadable file does not match.
func (r *Reconciler) AddressMatches(assignedIP string) bool {
	doc, err := wgconf.Load(r.cfg.ConfigPath)
	if err != nil {
		return false
	}
	return addressMatches(doc, assignedIP)
}

// PeerInConfigFile reports whether the config file has a [Peer] keyed by publicKey.
func (r *Reconciler) PeerInConfigFile(publicKey string) bool {
	doc, err := wgconf.Load(r.cfg.ConfigPath)
	if err != nil {
		return false
	}
	_, ok := doc.PeerByKey(publicKey)
	return ok
}

// PeerExistsRuntime reports whether the live interface lists publicKey as a peer.
// Any failure to inspect the interface counts as absent.
func (r *Reconciler) PeerExistsRuntime(ctx context.Context, publicKey string) bool {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return false
	}
	peers, err := r.inspector.PeerHandshakes(ctx, r.cfg.Interface)
	if err != nil {
		r.logger.Debug().Err(err).Msg("failed to inspect wireguard peers")
		return false
	}
	_, ok := peers[key]
	return ok
}

// HandshakeStatus describes the latest handshake with one peer.
type HandshakeStatus struct {
	Peer    string
	Present bool
	// Never is set when the peer exists but no handshake has completed.
	Never bool
	Age   time.Duration
}

// Handshake inspects the latest handshake with publicKey. Ages have whole-second
// resolution.
func (r *Reconciler) Handshake(ctx context.Context, publicKey string) (HandshakeStatus, error) {
	status := HandshakeStatus{Peer: publicKey}
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return status, err
	}
	peers, err := r.inspector.PeerHandshakes(ctx, r.cfg.Interface)
	if err != nil {
		return status, err
	}
	last, ok := peers[key]
	if !ok {
		return status, nil
	}
	status.Present = true
	if last.IsZero() {
		status.Never = true
		return status, nil
	}
	status.Age = r.clock.Now().Sub(last).Truncate(time.Second)
	return status, nil
}

// HandshakeHealthy reports whether publicKey completed a handshake within maxAge.
// A peer that is absent, never shook hands, or cannot be inspected is unhealthy.
func (r *Reconciler) HandshakeHealthy(ctx context.Context, publicKey string, maxAge time.Duration) bool {
	status, err := r.Handshake(ctx, publicKey)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read wireguard handshake")
		return false
	}
	if !status.Present || status.Never {
		r.logger.Warn().Str("peer", publicKey).Msg("no handshake recorded for relay peer")
		return false
	}
	if status.Age < 0 || status.Age > maxAge {
		r.logger.Warn().Dur("age", status.Age).Dur("max_age", maxAge).Msg("handshake too old")
		return false
	}
	r.logger.Info().Dur("age", status.Age).Msg("handshake healthy")
	return true
}

func addressMatches(doc wgconf.Document, assignedIP string) bool {
	if assignedIP == "" {
		return false
	}
	iface, ok := doc.Interface()
	if !ok {
		return false
	}
	value, ok := iface.Get(wgconf.KeyAddress)
	if !ok {
		return false
	}
	want := desiredAddress(assignedIP)
	for addr := range strings.SplitSeq(value, ",") {
		if strings.TrimSpace(addr) == want {
			return true
		}
	}
	return false
}
