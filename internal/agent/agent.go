// Package agent runs one reconciliation pass at a time: make sure the device is
// registered, bring the tunnel to its desired state, then check connectivity and
// restart the tunnel when it has gone stale.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wgkeeper/internal/device"
	"wgkeeper/internal/identity"
	"wgkeeper/internal/lock"
	"wgkeeper/internal/probe"
	"wgkeeper/internal/relay"
	"wgkeeper/internal/tunnel"
)

var (
	// ErrRegistrationFailed is returned when an unregistered device could not
	// register within the attempt budget.
	ErrRegistrationFailed = errors.New("device registration failed")
	// ErrDeviceState is returned when the device record cannot be read or written.
	ErrDeviceState = errors.New("device state unavailable")
)

// Records persists the device record.
type Records interface {
	Load() (device.Record, error)
	IsEmpty() (bool, error)
	Save(partial device.Record) error
}

// Registrar registers the device with the relay and checks the relay's health.
type Registrar interface {
	EnsureRegistered(ctx context.Context, id identity.Identity, maxAttempts int, delay time.Duration) (device.Record, error)
	RelayReachable(ctx context.Context, timeout time.Duration) bool
}

// IdentitySource resolves the serial number and public key to register with.
type IdentitySource interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

// Tunnel is the reconciler surface the agent drives.
type Tunnel interface {
	Interface() string
	ComputeSignal(ctx context.Context, rec device.Record) tunnel.Signal
	Reconcile(ctx context.Context, rec device.Record) (tunnel.Result, error)
	Restart(ctx context.Context) error
	Handshake(ctx context.Context, publicKey string) (tunnel.HandshakeStatus, error)
	HandshakeHealthy(ctx context.Context, publicKey string, maxAge time.Duration) bool
}

// Locker serializes passes across processes. Acquire returns lock.ErrHeld when
// another pass is running.
type Locker interface {
	Acquire() (func(), error)
}

// ClockChecker reports the local clock offset.
type ClockChecker interface {
	Check(ctx context.Context) (probe.ClockStatus, error)
}

// Options tunes a pass. Zero fields take the defaults.
type Options struct {
	RegisterAttempts int
	RegisterDelay    time.Duration
	// SettleDelay gives a freshly restarted interface time to handshake before the
	// health check. Negative disables it.
	SettleDelay     time.Duration
	RelayTimeout    time.Duration
	HandshakeMaxAge time.Duration
}

// Defaults for Options.
const (
	DefaultSettleDelay  = 5 * time.Second
	DefaultRelayTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RegisterAttempts <= 0 {
		o.RegisterAttempts = relay.DefaultAttempts
	}
	if o.RegisterDelay == 0 {
		o.RegisterDelay = relay.DefaultDelay
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = DefaultRelayTimeout
	}
	if o.HandshakeMaxAge <= 0 {
		o.HandshakeMaxAge = tunnel.DefaultHandshakeMaxAge
	}
	return o
}

// Deps are the collaborators of an Agent. Locker, ClockChecker, Links and Clock
// are optional.
type Deps struct {
	Records      Records
	Registrar    Registrar
	Identity     IdentitySource
	Tunnel       Tunnel
	Prober       probe.Prober
	Locker       Locker
	ClockChecker ClockChecker
	Links        tunnel.LinkInspector
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Agent keeps one device's tunnel membership healthy.
type Agent struct {
	records   Records
	registrar Registrar
	identity  IdentitySource
	tunnel    Tunnel
	prober    probe.Prober
	locker    Locker
	ntp       ClockChecker
	links     tunnel.LinkInspector
	clock     clock.Clock
	logger    zerolog.Logger
	opts      Options
}

// New returns an Agent.
func New(deps Deps, opts Options) *Agent {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Agent{
		records:   deps.Records,
		registrar: deps.Registrar,
		identity:  deps.Identity,
		tunnel:    deps.Tunnel,
		prober:    deps.Prober,
		locker:    deps.Locker,
		ntp:       deps.ClockChecker,
		links:     deps.Links,
		clock:     clk,
		logger:    deps.Logger.With().Str("component", "agent").Logger(),
		opts:      opts.withDefaults(),
	}
}

// HealthOutcome is the verdict of a connectivity check.
type HealthOutcome string

// Health outcomes.
const (
	HealthNoInternet       HealthOutcome = "no_internet"
	HealthRelayReachable   HealthOutcome = "relay_reachable"
	HealthHandshakeHealthy HealthOutcome = "handshake_healthy"
	HealthRestarted        HealthOutcome = "restarted"
	HealthRestartFailed    HealthOutcome = "restart_failed"
)

// Report summarizes one pass.
type Report struct {
	// Skipped is set when another pass held the lock.
	Skipped bool
	// Interrupted is set when ctx ended while the interface settled.
	Interrupted bool
	Registered  bool
	Reconcile   tunnel.Result
	Health      HealthOutcome
	Duration    time.Duration
}

// RunOnce performs a single pass. Registration exhaustion, device store failures
// and private key errors are returned; everything else is logged and left for the
// next pass. A ctx that ends during registration yields the context's error; one
// that ends while the interface settles stops the pass without error.
func (a *Agent) RunOnce(ctx context.Context) (Report, error) {
	start := a.clock.Now()
	var report Report

	if a.locker != nil {
		release, err := a.locker.Acquire()
		if errors.Is(err, lock.ErrHeld) {
			a.logger.Info().Msg("another pass is running, skipping")
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("acquire lock: %w", err)
		}
		defer release()
	}

	a.logger.Info().Msg("starting reconciliation pass")

	rec, registered, err := a.ensureRecord(ctx)
	if err != nil {
		return report, err
	}
	report.Registered = registered

	result, err := a.tunnel.Reconcile(ctx, rec)
	report.Reconcile = result
	if err != nil {
		return report, fmt.Errorf("reconcile tunnel: %w", err)
	}

	if result == tunnel.ResultUpdated && !a.settle(ctx) {
		a.logger.Info().Msg("pass interrupted while the interface settled")
		report.Interrupted = true
		report.Duration = a.clock.Since(start)
		return report, nil
	}

	report.Health = a.CheckHealth(ctx, rec)
	report.Duration = a.clock.Since(start)
	a.logger.Info().
		Str("reconcile", result.String()).
		Str("health", string(report.Health)).
		Dur("took", report.Duration).
		Msg("reconciliation pass complete")
	return report, nil
}

// ensureRecord returns a complete device record, registering first if needed.
func (a *Agent) ensureRecord(ctx context.Context) (device.Record, bool, error) {
	empty, err := a.records.IsEmpty()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDeviceState, err)
	}

	if !empty {
		rec, err := a.records.Load()
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrDeviceState, err)
		}
		return rec, false, nil
	}

	id, err := a.identity.Resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("%w: resolve identity: %w", ErrRegistrationFailed, err)
	}
	a.logger.Info().Str("serial", id.Serial).Msg("device not registered, registering")

	assigned, err := a.registrar.EnsureRegistered(ctx, id, a.opts.RegisterAttempts, a.opts.RegisterDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("register device: %w", ctx.Err())
		}
		return nil, false, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	partial := assigned.Clone()
	partial[device.FieldSerial] = id.Serial
	if err := a.records.Save(partial); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDeviceState, err)
	}
	rec, err := a.records.Load()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDeviceState, err)
	}
	a.logger.Info().Str("assigned_ip", rec.AssignedIP()).Msg("device registered")
	return rec, true, nil
}

// settle waits for a restarted interface to handshake. It reports false when ctx
// ended first.
func (a *Agent) settle(ctx context.Context) bool {
	if a.opts.SettleDelay <= 0 {
		return true
	}
	a.logger.Debug().Dur("delay", a.opts.SettleDelay).Msg("waiting for interface to settle")
	timer := a.clock.Timer(a.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// CheckHealth decides whether the tunnel needs a restart. Without internet nothing
// is touched. A reachable relay or a recent handshake means the tunnel works.
func (a *Agent) CheckHealth(ctx context.Context, rec device.Record) HealthOutcome {
	if !a.prober.Reachable(ctx) {
		a.logger.Warn().Msg("no internet connectivity, skipping tunnel health check")
		return HealthNoInternet
	}
	if a.registrar.RelayReachable(ctx, a.opts.RelayTimeout) {
		a.logger.Info().Msg("relay reachable through tunnel")
		return HealthRelayReachable
	}
	if a.tunnel.HandshakeHealthy(ctx, rec.RelayPublicKey(), a.opts.HandshakeMaxAge) {
		return HealthHandshakeHealthy
	}

	a.logger.Warn().Msg("tunnel unhealthy, restarting interface")
	if err := a.tunnel.Restart(ctx); err != nil {
		return HealthRestartFailed
	}
	return HealthRestarted
}

// Watch runs a pass immediately and then every interval until ctx is done. Only
// registration exhaustion stops the loop early.
func (a *Agent) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %v", interval)
	}
	a.logger.Info().Dur("interval", interval).Msg("watching tunnel")

	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		if _, err := a.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				a.logger.Info().Msg("watch stopped")
				return nil
			}
			if errors.Is(err, ErrRegistrationFailed) {
				return err
			}
			a.logger.Error().Err(err).Msg("reconciliation pass failed")
		}

		select {
		case <-ctx.Done():
			a.logger.Info().Msg("watch stopped")
			return nil
		case <-ticker.C:
		}
	}
}
