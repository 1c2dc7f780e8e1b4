// Package relay talks to the relay coordination service: device registration and
// liveness of the relay's tunnel endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wgkeeper/internal/device"
	"wgkeeper/internal/identity"
)

const (
	registerPath = "/devices/register"
	healthPath   = "/health"
	// Per-attempt registration timeout.
	registerTimeout = 5 * time.Second
	// Registration responses are small JSON objects.
	maxResponseSize = 64 * 1024

	// DefaultAttempts and DefaultDelay bound device registration.
	DefaultAttempts = 5
	DefaultDelay    = 5 * time.Second
)

var (
	// ErrRegistration marks a single failed registration attempt.
	ErrRegistration = errors.New("device registration failed")
	// ErrRegistrationExhausted is returned once every attempt has failed.
	ErrRegistrationExhausted = errors.New("device registration exhausted all attempts")
)

// Client is a relay coordination service client.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	baseURL    string
	healthURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a client for the relay at baseURL whose tunnel-side health endpoint
// lives under healthURL.
func New(baseURL, healthURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		healthURL:  strings.TrimSuffix(healthURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "relay").Logger()
	return c
}

type registerRequest struct {
	Serial    string `json:"serial"`
	PublicKey string `json:"public_key"`
}

// Register performs one registration attempt. Any transport error, timeout,
// non-2xx status, or unusable body is returned as an error wrapping ErrRegistration.
func (c *Client) Register(ctx context.Context, id identity.Identity) (device.Record, error) {
	rec, err := c.register(ctx, id)
	if err != nil {
		c.logger.Error().Err(err).Str("serial", id.Serial).Msg("register device failed")
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	c.logger.Info().
		Str("serial", id.Serial).
		Str("assigned_ip", rec.AssignedIP()).
		Str("relay_public_key", rec.RelayPublicKey()).
		Msg("device registered successfully")
	return rec, nil
}

func (c *Client) register(ctx context.Context, id identity.Identity) (device.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	data, err := json.Marshal(registerRequest{Serial: id.Serial, PublicKey: id.PublicKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+registerPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("error closing response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec device.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rec.AssignedIP() == "" || rec.RelayPublicKey() == "" {
		return nil, fmt.Errorf("response is missing %s or %s", device.FieldAssignedIP, device.FieldRelayPublicKey)
	}
	return rec, nil
}

// EnsureRegistered calls Register up to maxAttempts times with a fixed delay between
// attempts and returns the first successful record. After the last failure it
// returns an error wrapping ErrRegistrationExhausted. A cancelled ctx ends the loop
// with the context's error instead.
func (c *Client) EnsureRegistered(ctx context.Context, id identity.Identity, maxAttempts int, delay time.Duration) (device.Record, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	rec, err := retry.DoWithData(func() (device.Record, error) {
		attempt++
		c.logger.Info().Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("registering device")
		return c.Register(ctx, id)
	},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, _ error) {
			if int(n)+1 < maxAttempts {
				c.logger.Warn().Dur("delay", delay).Msg("registration attempt failed, retrying")
			}
		}),
	)
	if err != nil && ctx.Err() != nil {
		c.logger.Info().Int("attempts", attempt).Msg("registration interrupted")
		return nil, fmt.Errorf("registration interrupted after %d attempts: %w", attempt, ctx.Err())
	}
	if err != nil {
		c.logger.Error().Int("attempts", attempt).Msg("failed to register device after all attempts")
		return nil, fmt.Errorf("%w (%d attempts): %w", ErrRegistrationExhausted, attempt, err)
	}
	return rec, nil
}

// RelayReachable reports whether the relay answers its health endpoint with 200
// within timeout. Failures are logged as warnings and never returned.
func (c *Client) RelayReachable(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL+healthPath, http.NoBody)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to create relay health request")
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("relay not reachable")
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize)) //nolint:errcheck // drain for reuse
		_ = resp.Body.Close()                                                  //nolint:errcheck // best effort
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("relay returned unexpected status")
		return false
	}
	c.logger.Debug().Msg("relay reachable")
	return true
}
