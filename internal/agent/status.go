package agent

import (
	"context"
	"fmt"

	"wgkeeper/internal/device"
	"wgkeeper/internal/probe"
	"wgkeeper/internal/tunnel"
)

// Status is a read-only snapshot of the device. Fields that could not be
// determined carry the error that prevented it.
type Status struct {
	Interface   string
	Record      device.Record
	RecordValid bool
	Missing     []string

	Signal       tunnel.Signal
	Handshake    tunnel.HandshakeStatus
	HandshakeErr error

	Link    tunnel.LinkState
	LinkErr error

	Internet bool
	Relay    bool

	Clock    probe.ClockStatus
	ClockErr error
}

// Status inspects the device without changing anything.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	st := Status{Interface: a.tunnel.Interface()}

	rec, err := a.records.Load()
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrDeviceState, err)
	}
	st.Record = rec
	st.RecordValid = rec.Valid()
	st.Missing = rec.Missing()

	if a.links != nil {
		st.Link, st.LinkErr = a.links.LinkState(st.Interface)
	}

	if st.RecordValid {
		st.Signal = a.tunnel.ComputeSignal(ctx, rec)
		st.Handshake, st.HandshakeErr = a.tunnel.Handshake(ctx, rec.RelayPublicKey())
	}

	st.Internet = a.prober.Reachable(ctx)
	if st.Internet {
		st.Relay = a.registrar.RelayReachable(ctx, a.opts.RelayTimeout)
		if a.ntp != nil {
			st.Clock, st.ClockErr = a.ntp.Check(ctx)
		}
	}
	return st, nil
}
