package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCommandTimeout bounds wg and wg-quick invocations.
	DefaultCommandTimeout = 30 * time.Second
	// Maximum output size to prevent memory exhaustion.
	maxOutputSize = 64 * 1024
	// Maximum log output length for readability.
	maxLogLength = 200
)

// ExecRunner runs commands directly (no shell) with a timeout.
type ExecRunner struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Run executes name with args. The error includes the exit code and trimmed stderr.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := name + " " + strings.Join(args, " ")
	r.Logger.Debug().Str("command", command).Msg("executing command")

	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	duration := time.Since(start)
	stdout := limitOutput(stdoutBuf.Bytes(), maxOutputSize)
	stderr := strings.TrimSpace(string(limitOutput(stderrBuf.Bytes(), maxOutputSize)))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdout, fmt.Errorf("%s timed out after %v", command, duration.Round(time.Millisecond))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, fmt.Errorf("%s exited with code %d: %s", command, exitErr.ExitCode(), truncate(stderr))
		}
		return stdout, fmt.Errorf("%s failed: %w", command, err)
	}

	if stderr != "" {
		r.Logger.Debug().Str("command", command).Str("stderr", truncate(stderr)).Msg("command wrote to stderr")
	}
	r.Logger.Debug().
		Str("command", command).
		Dur("took", duration).
		Int("stdout_bytes", len(stdout)).
		Msg("command completed")
	return stdout, nil
}

// limitOutput truncates output if it exceeds maxSize.
func limitOutput(data []byte, maxSize int) []byte {
	if len(data) > maxSize {
		return data[:maxSize]
	}
	return data
}

func truncate(s string) string {
	if len(s) > maxLogLength {
		return s[:maxLogLength] + "..."
	}
	return s
}
