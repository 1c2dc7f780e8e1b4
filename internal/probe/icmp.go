// Package probe answers the question "does this device have internet access" and
// reports how far the local clock is from NTP time.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultHost is pinged to decide whether the uplink works.
	DefaultHost = "8.8.8.8"
	// DefaultTimeout bounds one echo round trip.
	DefaultTimeout = 3 * time.Second

	echoPayload = "wgkeeper"
	maxReplyLen = 1500
)

// Prober reports whether the internet is reachable.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// errSocket marks failures to open an ICMP socket, as opposed to a lost echo.
var errSocket = errors.New("icmp socket unavailable")

// ICMPProber sends a single ICMP echo to Host. It uses a raw socket when the
// process has CAP_NET_RAW and the unprivileged datagram socket otherwise. When
// neither can be opened it defers to Fallback.
type ICMPProber struct {
	Host     string
	Timeout  time.Duration
	Fallback Prober
	Logger   zerolog.Logger

	seq    atomic.Uint32
	listen func(network, address string) (*icmp.PacketConn, error)
}

// NewICMPProber returns a prober for host.
func NewICMPProber(host string, timeout time.Duration, fallback Prober, logger zerolog.Logger) *ICMPProber {
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ICMPProber{
		Host:     host,
		Timeout:  timeout,
		Fallback: fallback,
		Logger:   logger.With().Str("component", "probe").Logger(),
		listen:   icmp.ListenPacket,
	}
}

// Reachable implements Prober.
func (p *ICMPProber) Reachable(ctx context.Context) bool {
	err := p.ping(ctx)
	if err == nil {
		p.Logger.Debug().Str("host", p.Host).Msg("internet reachable")
		return true
	}
	if errors.Is(err, errSocket) && p.Fallback != nil {
		p.Logger.Debug().Err(err).Msg("falling back to ping command")
		return p.Fallback.Reachable(ctx)
	}
	p.Logger.Warn().Err(err).Str("host", p.Host).Msg("no internet connectivity")
	return false
}

func (p *ICMPProber) ping(ctx context.Context) error {
	dst, err := net.ResolveIPAddr("ip4", p.Host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p.Host, err)
	}

	conn, privileged, err := p.open()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }() //nolint:errcheck // best effort

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	id := os.Getpid() & 0xffff
	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte(echoPayload)},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal echo: %w", err)
	}

	var target net.Addr = dst
	if !privileged {
		target = &net.UDPAddr{IP: dst.IP}
	}
	if _, err := conn.WriteTo(wire, target); err != nil {
		return fmt.Errorf("send echo to %s: %w", dst, err)
	}

	buf := make([]byte, maxReplyLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("await echo reply from %s: %w", dst, err)
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// The kernel rewrites the identifier of unprivileged echoes.
		if privileged && echo.ID != id {
			continue
		}
		return nil
	}
}

func (p *ICMPProber) open() (*icmp.PacketConn, bool, error) {
	listen := p.listen
	if listen == nil {
		listen = icmp.ListenPacket
	}
	conn, rawErr := listen("ip4:icmp", "0.0.0.0")
	if rawErr == nil {
		return conn, true, nil
	}
	conn, udpErr := listen("udp4", "0.0.0.0")
	if udpErr == nil {
		return conn, false, nil
	}
	return nil, false, fmt.Errorf("%w: raw: %w, datagram: %w", errSocket, rawErr, udpErr)
}

// Runner runs an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandProber shells out to ping(8), which is setuid on most distributions.
type CommandProber struct {
	Runner Runner
	Host   string
}

// Reachable implements Prober.
func (c CommandProber) Reachable(ctx context.Context) bool {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	_, err := c.Runner.Run(ctx, "ping", "-c", "1", "-W", "2", host)
	return err == nil
}
