//go:build !linux

package tunnel

import "errors"

// NetlinkInspector is unavailable outside Linux.
type NetlinkInspector struct{}

// LinkState always fails on this platform.
func (NetlinkInspector) LinkState(string) (LinkState, error) {
	return LinkState{}, errors.New("link inspection requires linux")
}
