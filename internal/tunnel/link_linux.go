//go:build linux

package tunnel

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkInspector reads interface state over rtnetlink.
type NetlinkInspector struct{}

// LinkState implements LinkInspector.
func (NetlinkInspector) LinkState(iface string) (LinkState, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return LinkState{}, nil
		}
		return LinkState{}, fmt.Errorf("find interface %q: %w", iface, err)
	}
	attrs := link.Attrs()
	return LinkState{
		Exists: true,
		Up:     attrs.Flags&unix.IFF_UP != 0,
		MTU:    attrs.MTU,
	}, nil
}
