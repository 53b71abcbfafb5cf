package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "priceflow/config"
)

func TestDelayGrowthAndCap(t *testing.T) {
	cfg := appconfig.ReconnectConfig{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		GrowthFactor: 2.0,
	}

	assert.Equal(t, time.Second, Delay(cfg, 1))
	assert.Equal(t, 2*time.Second, Delay(cfg, 2))
	assert.Equal(t, 4*time.Second, Delay(cfg, 3))
	assert.Equal(t, 32*time.Second, Delay(cfg, 6))
	assert.Equal(t, time.Minute, Delay(cfg, 7), "delay must cap at the configured maximum")
	assert.Equal(t, time.Minute, Delay(cfg, 50), "large attempt counts must not overflow past the cap")

	// Monotone non-decreasing across the whole range.
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := Delay(cfg, attempts)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestDelayDefaults(t *testing.T) {
	d := Delay(appconfig.ReconnectConfig{}, 1)
	assert.Equal(t, time.Second, d)
}

type scriptedAdapter struct {
	mu          sync.Mutex
	name        string
	connectErrs []error
	connects    int
	streamErr   error
	last        time.Time
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return err
	}
	return nil
}

func (a *scriptedAdapter) Stream(ctx context.Context) error {
	a.mu.Lock()
	err := a.streamErr
	a.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *scriptedAdapter) LastMessage() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *scriptedAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func fastConfig() *appconfig.Config {
	return &appconfig.Config{
		Reconnect: appconfig.ReconnectConfig{
			BaseDelay:    time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			GrowthFactor: 2.0,
		},
	}
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.MaxAttempts = 3
	a := &scriptedAdapter{
		name: "coinbase_ws",
		connectErrs: []error{
			errors.New("dial refused"), errors.New("dial refused"),
			errors.New("dial refused"), errors.New("dial refused"),
		},
	}
	s := NewSupervisor(cfg, []Adapter{a})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool {
		return s.State("coinbase_ws") == StateFailedPermanent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, a.connectCount())

	s.Stop()
}

func TestSupervisorResetsAttemptsOnConnect(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.MaxAttempts = 3

	// Alternating failure and success. Without the reset on a successful
	// connect, the failure count would cross the budget within a few cycles.
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, errors.New("dial refused"), nil)
	}
	a := &scriptedAdapter{
		name:        "binance_ws",
		connectErrs: errs,
		streamErr:   errors.New("unexpected close"),
	}
	s := NewSupervisor(cfg, []Adapter{a})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return a.connectCount() >= 8
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateFailedPermanent, s.State("binance_ws"))

	cancel()
	s.Stop()
}

func TestSupervisorHeartbeatForcesReconnect(t *testing.T) {
	cfg := fastConfig()
	cfg.Feeds.HeartbeatWindow = 50 * time.Millisecond

	// Connection succeeds but the stream never produces a message, so the
	// watchdog must tear it down and reconnect.
	a := &scriptedAdapter{
		name: "bybit_ws",
		last: time.Now().Add(-time.Hour),
	}
	s := NewSupervisor(cfg, []Adapter{a})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return a.connectCount() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.Stop()
}

func TestSupervisorHeartbeatCoversSilentSubscription(t *testing.T) {
	cfg := fastConfig()
	cfg.Feeds.HeartbeatWindow = 50 * time.Millisecond

	// A stream that subscribes but never delivers a single frame leaves
	// LastMessage at its zero value. Silence still has to be measured from
	// the connect time, or a mis-named channel keeps a dead stream alive
	// forever.
	a := &scriptedAdapter{name: "coinbase_ws"}
	s := NewSupervisor(cfg, []Adapter{a})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return a.connectCount() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.Stop()
}
