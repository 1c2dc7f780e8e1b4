package tunnel

import (
	"context"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ProcessRunner runs an external command and returns its standard output.
type ProcessRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// PeerInspector reads the live peer table of a tunnel interface.
// A peer that never completed a handshake maps to the zero time.
type PeerInspector interface {
	PeerHandshakes(ctx context.Context, iface string) (map[wgtypes.Key]time.Time, error)
}

// LinkInspector reports whether a network interface exists and is up.
type LinkInspector interface {
	LinkState(iface string) (LinkState, error)
}

// LinkState is the kernel view of an interface.
type LinkState struct {
	Exists bool
	Up     bool
	MTU    int
}
