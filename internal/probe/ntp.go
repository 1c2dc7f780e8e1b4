package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

const (
	// DefaultNTPServer is queried for the clock offset.
	DefaultNTPServer = "pool.ntp.org"
	// DefaultOffsetThreshold is the largest offset still considered in sync.
	DefaultOffsetThreshold = 500 * time.Millisecond

	defaultNTPTimeout = 5 * time.Second
)

// ClockStatus is the result of one NTP query.
type ClockStatus struct {
	Server string
	Offset time.Duration
	Synced bool
}

// ClockChecker measures the local clock offset. Handshake ages are computed
// against the wall clock, so a badly skewed device misjudges tunnel health.
type ClockChecker struct {
	Server    string
	Threshold time.Duration
	Timeout   time.Duration

	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// NewClockChecker returns a checker for server with default threshold and timeout.
func NewClockChecker(server string) *ClockChecker {
	if server == "" {
		server = DefaultNTPServer
	}
	return &ClockChecker{
		Server:    server,
		Threshold: DefaultOffsetThreshold,
		Timeout:   defaultNTPTimeout,
		query:     ntp.QueryWithOptions,
	}
}

// Check queries the server once.
func (c *ClockChecker) Check(ctx context.Context) (ClockStatus, error) {
	status := ClockStatus{Server: c.Server}
	timeout := c.Timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return status, fmt.Errorf("ntp query %s: %w", c.Server, context.DeadlineExceeded)
	}

	query := c.query
	if query == nil {
		query = ntp.QueryWithOptions
	}
	resp, err := query(c.Server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return status, fmt.Errorf("ntp query %s: %w", c.Server, err)
	}
	if err := resp.Validate(); err != nil {
		return status, fmt.Errorf("invalid ntp response from %s: %w", c.Server, err)
	}

	status.Offset = resp.ClockOffset
	status.Synced = resp.ClockOffset.Abs() < c.Threshold
	return status, nil
}
