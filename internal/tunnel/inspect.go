package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// WGCtrlInspector reads peers through the WireGuard control interface
// (netlink for the kernel module, the UAPI socket for userspace implementations).
type WGCtrlInspector struct{}

// PeerHandshakes implements PeerInspector.
func (WGCtrlInspector) PeerHandshakes(_ context.Context, iface string) (map[wgtypes.Key]time.Time, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wireguard client: %w", err)
	}
	defer func() { _ = wg.Close() }() //nolint:errcheck // nothing to recover

	dev, err := wg.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("inspect wireguard device %q: %w", iface, err)
	}

	result := make(map[wgtypes.Key]time.Time, len(dev.Peers))
	for _, p := range dev.Peers {
		result[p.PublicKey] = p.LastHandshakeTime
	}
	return result, nil
}

// CommandInspector reads peers by running "wg show <iface> latest-handshakes".
// It works wherever the wg tool does, including hosts where wgctrl cannot open
// the control interface.
type CommandInspector struct {
	Runner ProcessRunner
}

// PeerHandshakes implements PeerInspector.
func (c CommandInspector) PeerHandshakes(ctx context.Context, iface string) (map[wgtypes.Key]time.Time, error) {
	out, err := c.Runner.Run(ctx, "wg", "show", iface, "latest-handshakes")
	if err != nil {
		return nil, fmt.Errorf("wg show latest-handshakes: %w", err)
	}
	return parseLatestHandshakes(string(out)), nil
}

// parseLatestHandshakes parses "<pubkey>\t<unix seconds>" lines. Malformed lines are skipped.
func parseLatestHandshakes(out string) map[wgtypes.Key]time.Time {
	result := make(map[wgtypes.Key]time.Time)
	for line := range strings.SplitSeq(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		key, err := wgtypes.ParseKey(fields[0])
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		// Timestamp 0 means no handshake has occurred.
		if epoch == 0 {
			result[key] = time.Time{}
		} else {
			result[key] = time.Unix(epoch, 0)
		}
	}
	return result
}

// FallbackInspector asks Primary first and Secondary when Primary fails.
type FallbackInspector struct {
	Primary   PeerInspector
	Secondary PeerInspector
}

// PeerHandshakes implements PeerInspector.
func (f FallbackInspector) PeerHandshakes(ctx context.Context, iface string) (map[wgtypes.Key]time.Time, error) {
	peers, err := f.Primary.PeerHandshakes(ctx, iface)
	if err == nil {
		return peers, nil
	}
	peers, err2 := f.Secondary.PeerHandshakes(ctx, iface)
	if err2 != nil {
		return nil, fmt.Errorf("%w; fallback: %w", err, err2)
	}
	return peers, nil
}
