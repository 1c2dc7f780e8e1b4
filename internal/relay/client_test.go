package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgkeeper/internal/identity"
)

var testIdentity = identity.Identity{Serial: "SN-0001", PublicKey: "client-public-key"}

func TestRegisterSendsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/devices/register", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"serial": "SN-0001", "public_key": "client-public-key"}, body)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"assigned_ip":"10.10.0.5","relay_public_key":"PK1","site":"north"}`))
	}))
	defer srv.Close()

	rec, err := New(srv.URL, srv.URL).Register(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.5", rec.AssignedIP())
	assert.Equal(t, "PK1", rec.RelayPublicKey())
	assert.Equal(t, "north", rec["site"])
}

func TestRegisterFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`},
		{"conflict", http.StatusConflict, `{}`},
		{"not json", http.StatusOK, `<html>`},
		{"missing fields", http.StatusOK, `{"assigned_ip":"10.10.0.5"}`},
		{"null body", http.StatusOK, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rec, err := New(srv.URL, srv.URL).Register(context.Background(), testIdentity)
			assert.ErrorIs(t, err, ErrRegistration)
			assert.Nil(t, rec)
		})
	}
}

func TestRegisterUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, url).Register(context.Background(), testIdentity)
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestEnsureRegisteredStopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec, err := New(srv.URL, srv.URL).EnsureRegistered(context.Background(), testIdentity, 3, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegistrationExhausted))
	assert.Nil(t, rec)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnsureRegisteredCancelled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	rec, err := New(srv.URL, srv.URL).EnsureRegistered(ctx, testIdentity, 5, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrRegistrationExhausted, "a stop is not a failed registration")
	assert.Nil(t, rec)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, calls.Load(), int32(5))
}

func TestEnsureRegisteredShortCircuitsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"assigned_ip":"10.10.0.7","relay_public_key":"PK2"}`))
	}))
	defer srv.Close()

	rec, err := New(srv.URL, srv.URL).EnsureRegistered(context.Background(), testIdentity, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.7", rec.AssignedIP())
	assert.Equal(t, int32(2), calls.Load())
}

func TestEnsureRegisteredZeroAttemptsTriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, srv.URL).EnsureRegistered(context.Background(), testIdentity, 0, 0)
	assert.ErrorIs(t, err, ErrRegistrationExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRelayReachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		delay  time.Duration
		want   bool
	}{
		{"healthy", http.StatusOK, 0, true},
		{"no content is not healthy", http.StatusNoContent, 0, false},
		{"server error", http.StatusInternalServerError, 0, false},
		{"timeout", http.StatusOK, 200 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			timeout := time.Second
			if tt.delay > 0 {
				timeout = 50 * time.Millisecond
			}
			got := New("http://unused.invalid", srv.URL).RelayReachable(context.Background(), timeout)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelayReachableUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.False(t, New(url, url).RelayReachable(context.Background(), time.Second))
}
