package main

import (
	"net/http"

	"github.com/rs/zerolog"

	"wgkeeper/internal/agent"
	"wgkeeper/internal/config"
	"wgkeeper/internal/device"
	"wgkeeper/internal/identity"
	"wgkeeper/internal/lock"
	"wgkeeper/internal/logging"
	"wgkeeper/internal/probe"
	"wgkeeper/internal/relay"
	"wgkeeper/internal/tunnel"
)

func newLogger(cfg config.Config) (zerolog.Logger, func() error, error) {
	return logging.New(cfg.Log)
}

func newRunner(cfg config.Config, logger zerolog.Logger) tunnel.ExecRunner {
	return tunnel.ExecRunner{
		Timeout: cfg.CommandTimeout,
		Logger:  logger.With().Str("component", "exec").Logger(),
	}
}

func newReconciler(cfg config.Config, logger zerolog.Logger) *tunnel.Reconciler {
	runner := newRunner(cfg, logger)
	inspector := tunnel.FallbackInspector{
		Primary:   tunnel.WGCtrlInspector{},
		Secondary: tunnel.CommandInspector{Runner: runner},
	}
	return tunnel.New(tunnel.Config{
		Interface:           cfg.Interface,
		ConfigPath:          cfg.ConfigPath,
		PrivateKeyPath:      cfg.PrivateKeyPath,
		AllowedIPs:          cfg.AllowedIPs,
		Endpoint:            cfg.Endpoint(),
		PersistentKeepalive: cfg.PersistentKeepalive,
	}, runner, inspector,
		tunnel.WithLinkInspector(tunnel.NetlinkInspector{}),
		tunnel.WithLogger(logger),
	)
}

func newAgent(cfg config.Config, logger zerolog.Logger) *agent.Agent {
	runner := newRunner(cfg, logger)

	var serial identity.SerialSource = identity.FileSerial{Paths: identity.DefaultSerialPaths, Logger: logger}
	if cfg.Serial != "" {
		serial = identity.StaticSerial(cfg.Serial)
	}

	client := relay.New(cfg.RelayURL, cfg.HealthURL,
		relay.WithHTTPClient(&http.Client{}),
		relay.WithLogger(logger),
	)

	return agent.New(agent.Deps{
		Records:   device.NewStore(cfg.DeviceFile, logger),
		Registrar: client,
		Identity: identity.Provider{
			Serial:         serial,
			PublicKey:      cfg.PublicKey,
			PrivateKeyPath: cfg.PrivateKeyPath,
		},
		Tunnel:       newReconciler(cfg, logger),
		Prober:       probe.NewICMPProber(cfg.ProbeHost, 0, probe.CommandProber{Runner: runner, Host: cfg.ProbeHost}, logger),
		Locker:       lock.New(cfg.LockFile),
		ClockChecker: probe.NewClockChecker(cfg.NTPServer),
		Links:        tunnel.NetlinkInspector{},
		Logger:       logger,
	}, agent.Options{
		RegisterAttempts: cfg.RegisterAttempts,
		RegisterDelay:    cfg.RegisterDelay,
		SettleDelay:      cfg.SettleDelay,
		RelayTimeout:     cfg.RelayTimeout,
		HandshakeMaxAge:  cfg.HandshakeMaxAge,
	})
}
