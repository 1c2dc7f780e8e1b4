package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"wgkeeper/internal/tunnel"
)

const (
	unitName        = "wgkeeper"
	defaultBinPath  = "/usr/local/bin/wgkeeper"
	defaultUnitDir  = "/etc/systemd/system"
	crontabCmd      = "crontab"
	cronMarker      = "# wgkeeper"
	defaultInterval = 5 * time.Minute
)

var serviceTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=WireGuard tunnel membership agent
Wants=network-online.target
After=network-online.target

[Service]
Type=oneshot
ExecStart={{.BinPath}} run --config {{.ConfigPath}}
`))

var timerTemplate = template.Must(template.New("timer").Parse(`[Unit]
Description=Run wgkeeper every {{.Interval}}

[Timer]
OnBootSec=30s
OnUnitActiveSec={{.Seconds}}s
AccuracySec=10s
Persistent=true

[Install]
WantedBy=timers.target
`))

// installer sets up periodic runs with a systemd timer, or cron when systemd is
// not running.
type installer struct {
	runner     tunnel.ProcessRunner
	lookPath   func(string) (string, error)
	logger     zerolog.Logger
	unitDir    string
	binPath    string
	configPath string
	interval   time.Duration
}

func newInstaller(a *app, binPath string, interval time.Duration) *installer {
	return &installer{
		runner:     newRunner(a.cfg, a.logger),
		lookPath:   exec.LookPath,
		logger:     a.logger.With().Str("component", "install").Logger(),
		unitDir:    defaultUnitDir,
		binPath:    binPath,
		configPath: a.configPath,
		interval:   interval,
	}
}

func installCmd(a *app) *cobra.Command {
	var binPath string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Copy wgkeeper into place and schedule periodic runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to get executable path: %w", err)
			}
			return newInstaller(a, binPath, interval).install(cmd.Context(), exePath)
		},
	}

	cmd.Flags().StringVar(&binPath, "bin", defaultBinPath, "Where to install the binary")
	cmd.Flags().DurationVar(&interval, "interval", defaultInterval, "Time between scheduled runs")
	return cmd
}

func uninstallCmd(a *app) *cobra.Command {
	var binPath string

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the schedule and the installed binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newInstaller(a, binPath, defaultInterval).uninstall(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&binPath, "bin", defaultBinPath, "Installed binary to remove")
	return cmd
}

func (in *installer) install(ctx context.Context, exePath string) error {
	if in.interval < time.Minute {
		return fmt.Errorf("interval must be at least a minute, got %v", in.interval)
	}
	if err := in.installExecutable(exePath); err != nil {
		return err
	}
	if in.systemdAvailable(ctx) {
		return in.installSystemd(ctx)
	}
	in.logger.Info().Msg("systemd not running, using cron instead")
	return in.installCron(ctx)
}

// installExecutable copies the running binary to binPath. The rename replaces a
// binary that is currently executing without "text file busy".
func (in *installer) installExecutable(exePath string) error {
	if exePath == in.binPath {
		in.logger.Info().Str("path", in.binPath).Msg("already running from install location")
		return nil
	}
	data, err := os.ReadFile(exePath)
	if err != nil {
		return fmt.Errorf("failed to read executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(in.binPath), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(in.binPath), err)
	}
	if err := atomicwriter.WriteFile(in.binPath, data, 0o755); err != nil { //nolint:gosec // executable needs execute permission
		return fmt.Errorf("failed to copy executable: %w", err)
	}
	in.logger.Info().Str("path", in.binPath).Msg("binary installed")
	return nil
}

func (in *installer) systemdAvailable(ctx context.Context) bool {
	if _, err := in.lookPath("systemctl"); err != nil {
		return false
	}
	// is-system-running exits non-zero for "degraded" but still prints the state.
	out, _ := in.runner.Run(ctx, "systemctl", "is-system-running") //nolint:errcheck // state is on stdout
	switch strings.TrimSpace(string(out)) {
	case "running", "degraded", "maintenance", "starting", "stopping":
		return true
	default:
		return false
	}
}

type unitData struct {
	BinPath    string
	ConfigPath string
	Interval   time.Duration
	Seconds    int
}

func (in *installer) units() (map[string][]byte, error) {
	data := unitData{
		BinPath:    in.binPath,
		ConfigPath: in.configPath,
		Interval:   in.interval,
		Seconds:    int(in.interval / time.Second),
	}
	out := make(map[string][]byte, 2)
	for name, tmpl := range map[string]*template.Template{
		unitName + ".service": serviceTemplate,
		unitName + ".timer":   timerTemplate,
	} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", name, err)
		}
		out[name] = buf.Bytes()
	}
	return out, nil
}

func (in *installer) installSystemd(ctx context.Context) error {
	units, err := in.units()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(in.unitDir, 0o755); err != nil {
		return fmt.Errorf("failed to create systemd directory: %w", err)
	}
	for name, content := range units {
		if err := atomicwriter.WriteFile(filepath.Join(in.unitDir, name), content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if _, err := in.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if _, err := in.runner.Run(ctx, "systemctl", "enable", "--now", unitName+".timer"); err != nil {
		return fmt.Errorf("failed to enable timer: %w", err)
	}
	in.logger.Info().Dur("interval", in.interval).Msg("systemd timer enabled")
	return nil
}

func (in *installer) cronEntries() []string {
	minutes := max(int(in.interval/time.Minute), 1)
	run := fmt.Sprintf("%s run --config %s", in.binPath, in.configPath)
	return []string{
		fmt.Sprintf("@reboot %s %s", run, cronMarker),
		fmt.Sprintf("*/%d * * * * %s %s", minutes, run, cronMarker),
	}
}

// currentCrontab returns the crontab without our entries.
func (in *installer) currentCrontab(ctx context.Context) string {
	// No crontab yet is not an error.
	out, _ := in.runner.Run(ctx, crontabCmd, "-l") //nolint:errcheck // see above
	var kept []string
	for line := range strings.SplitSeq(string(out), "\n") {
		if strings.HasSuffix(strings.TrimSpace(line), cronMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n")
}

func (in *installer) writeCrontab(ctx context.Context, content string) error {
	f, err := os.CreateTemp("", "wgkeeper-crontab-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }() //nolint:errcheck // best effort cleanup

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("failed to write crontab: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write crontab: %w", err)
	}
	if _, err := in.runner.Run(ctx, crontabCmd, f.Name()); err != nil {
		return fmt.Errorf("failed to install crontab: %w", err)
	}
	return nil
}

func (in *installer) installCron(ctx context.Context) error {
	if _, err := in.lookPath(crontabCmd); err != nil {
		return errors.New("neither systemd nor cron is available - manual scheduling required")
	}

	content := in.currentCrontab(ctx)
	if content != "" {
		content += "\n"
	}
	content += strings.Join(in.cronEntries(), "\n") + "\n"

	if err := in.writeCrontab(ctx, content); err != nil {
		return err
	}
	in.logger.Info().Dur("interval", in.interval).Msg("cron entries installed")
	return nil
}

func (in *installer) uninstall(ctx context.Context) error {
	if in.systemdAvailable(ctx) {
		if _, err := in.runner.Run(ctx, "systemctl", "disable", "--now", unitName+".timer"); err != nil {
			in.logger.Debug().Err(err).Msg("timer was not enabled")
		}
		for _, name := range []string{unitName + ".timer", unitName + ".service"} {
			if err := os.Remove(filepath.Join(in.unitDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
		if _, err := in.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
			in.logger.Warn().Err(err).Msg("failed to reload systemd")
		}
	}

	if err := in.uninstallCron(ctx); err != nil {
		return err
	}

	if err := os.Remove(in.binPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove executable: %w", err)
	}
	in.logger.Info().Msg("wgkeeper uninstalled")
	return nil
}

func (in *installer) uninstallCron(ctx context.Context) error {
	if _, err := in.lookPath(crontabCmd); err != nil {
		return nil
	}
	content := in.currentCrontab(ctx)
	if strings.TrimSpace(content) == "" {
		// Best effort: there may be no crontab at all.
		_, _ = in.runner.Run(ctx, crontabCmd, "-r") //nolint:errcheck // see above
		return nil
	}
	return in.writeCrontab(ctx, content+"\n")
}
