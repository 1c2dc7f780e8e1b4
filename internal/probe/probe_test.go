package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
)

type stubProber struct {
	result bool
	calls  int
}

func (s *stubProber) Reachable(context.Context) bool {
	s.calls++
	return s.result
}

type stubRunner struct {
	err  error
	args []string
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.args = append([]string{name}, args...)
	return nil, s.err
}

func noSockets(string, string) (*icmp.PacketConn, error) {
	return nil, errors.New("operation not permitted")
}

func TestICMPProberFallsBackWithoutSocket(t *testing.T) {
	for _, want := range []bool{true, false} {
		fallback := &stubProber{result: want}
		p := NewICMPProber("127.0.0.1", time.Second, fallback, zerolog.Nop())
		p.listen = noSockets

		assert.Equal(t, want, p.Reachable(context.Background()))
		assert.Equal(t, 1, fallback.calls)
	}
}

func TestICMPProberNoFallback(t *testing.T) {
	p := NewICMPProber("127.0.0.1", time.Second, nil, zerolog.Nop())
	p.listen = noSockets

	assert.False(t, p.Reachable(context.Background()))
}

func TestICMPProberUnresolvableHost(t *testing.T) {
	fallback := &stubProber{result: true}
	p := NewICMPProber("host.invalid", time.Second, fallback, zerolog.Nop())

	assert.False(t, p.Reachable(context.Background()))
	assert.Zero(t, fallback.calls, "resolution failures are not socket failures")
}

func TestNewICMPProberDefaults(t *testing.T) {
	p := NewICMPProber("", 0, nil, zerolog.Nop())
	assert.Equal(t, DefaultHost, p.Host)
	assert.Equal(t, DefaultTimeout, p.Timeout)
}

func TestCommandProber(t *testing.T) {
	runner := &stubRunner{}
	assert.True(t, CommandProber{Runner: runner}.Reachable(context.Background()))
	assert.Equal(t, []string{"ping", "-c", "1", "-W", "2", DefaultHost}, runner.args)

	runner.err = errors.New("exit status 1")
	assert.False(t, CommandProber{Runner: runner, Host: "1.1.1.1"}.Reachable(context.Background()))
	assert.Equal(t, "1.1.1.1", runner.args[len(runner.args)-1])
}

func validResponse(offset time.Duration) *ntp.Response {
	now := time.Now()
	return &ntp.Response{
		Time:          now,
		ReferenceTime: now.Add(-time.Minute),
		Stratum:       2,
		ClockOffset:   offset,
		RTT:           20 * time.Millisecond,
	}
}

func TestClockChecker(t *testing.T) {
	tests := []struct {
		name       string
		resp       *ntp.Response
		err        error
		wantErr    bool
		wantSynced bool
	}{
		{name: "in sync", resp: validResponse(40 * time.Millisecond), wantSynced: true},
		{name: "behind", resp: validResponse(-3 * time.Second), wantSynced: false},
		{name: "ahead", resp: validResponse(2 * time.Minute), wantSynced: false},
		{name: "query error", err: errors.New("i/o timeout"), wantErr: true},
		{name: "kiss of death", resp: &ntp.Response{Stratum: 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClockChecker("")
			var gotOpts ntp.QueryOptions
			c.query = func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
				assert.Equal(t, DefaultNTPServer, host)
				gotOpts = opt
				return tt.resp, tt.err
			}

			status, err := c.Check(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSynced, status.Synced)
			assert.Equal(t, tt.resp.ClockOffset, status.Offset)
			assert.Equal(t, defaultNTPTimeout, gotOpts.Timeout)
		})
	}
}

func TestClockCheckerExpiredContext(t *testing.T) {
	c := NewClockChecker("time.example")
	c.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		t.Fatal("query must not run")
		return nil, nil
	}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := c.Check(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
