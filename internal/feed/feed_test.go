package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/internal/model"
	"priceflow/internal/validator"
)

func newTestEmitter(t *testing.T) (*Emitter, *channel.Channels) {
	t.Helper()
	channels := channel.NewChannels(16, 16)
	return NewEmitter(validator.New(1_000_000), channels, nil), channels
}

type recordingWindow struct {
	offered []model.MarketDataRecord
}

func (w *recordingWindow) Offer(_ context.Context, rec model.MarketDataRecord) bool {
	w.offered = append(w.offered, rec)
	return true
}

func TestEmitterValidatesBeforeSending(t *testing.T) {
	emitter, channels := newTestEmitter(t)
	ctx := context.Background()

	bad := model.MarketDataRecord{
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Timestamp: time.Now().UTC(),
		Open:      -1, High: 1, Low: 1, Close: 1, Volume: 1,
		DataType: model.DataTypeKline,
		Source:   model.SourceRest,
	}
	assert.False(t, emitter.Emit(ctx, bad))
	assert.Empty(t, channels.Norm)

	good := bad
	good.Open = 1
	assert.True(t, emitter.Emit(ctx, good))
	assert.Len(t, channels.Norm, 1)
}

// Consecutive records from one connection must reach the window in the
// order the exchange delivered them, or last-write-wins bucketing keeps a
// stale contribution.
func TestEmitterOffersToWindowInArrivalOrder(t *testing.T) {
	channels := channel.NewChannels(16, 16)
	window := &recordingWindow{}
	emitter := NewEmitter(validator.New(0), channels, window)
	ctx := context.Background()

	base := model.MarketDataRecord{
		Exchange:  "COINBASE",
		Symbol:    "BTCUSDT",
		Timestamp: time.Now().UTC(),
		Open:      100, High: 100, Low: 100, Close: 100, Volume: 1,
		DataType: model.DataTypeTrade,
		Source:   model.SourceWebsocket,
	}
	for i := 0; i < 5; i++ {
		rec := base
		rec.Close = 100 + float64(i)
		require.True(t, emitter.Emit(ctx, rec))
	}

	require.Len(t, window.offered, 5)
	for i, rec := range window.offered {
		assert.Equal(t, 100+float64(i), rec.Close)
	}
	assert.Len(t, channels.Norm, 5, "window offers must not consume the norm channel")
}

type fullWindow struct{}

func (fullWindow) Offer(context.Context, model.MarketDataRecord) bool { return false }

func TestEmitterWindowDropDoesNotBlockPipeline(t *testing.T) {
	channels := channel.NewChannels(16, 16)
	emitter := NewEmitter(validator.New(0), channels, fullWindow{})

	rec := model.MarketDataRecord{
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Timestamp: time.Now().UTC(),
		Open:      1, High: 1, Low: 1, Close: 1, Volume: 1,
		DataType: model.DataTypeKline,
		Source:   model.SourceRest,
	}
	assert.True(t, emitter.Emit(context.Background(), rec),
		"a full window input must not stop the record from reaching the sinks")
	assert.Len(t, channels.Norm, 1)
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	cfg := appconfig.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}

	calls := 0
	err := withRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	cfg := appconfig.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := withRetry(context.Background(), cfg, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(appconfig.CircuitBreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	})
	clock := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return clock }

	require.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, BreakerClosed, cb.State(), "below threshold stays closed")
	cb.Failure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	// Recovery timeout elapses: one probe passes, the next is held back.
	clock = clock.Add(31 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	// A failed probe reopens immediately.
	cb.Failure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	clock = clock.Add(31 * time.Second)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(appconfig.CircuitBreakerConfig{FailureThreshold: 2})

	cb.Failure()
	cb.Success()
	cb.Failure()
	assert.Equal(t, BreakerClosed, cb.State(), "interleaved successes must reset the consecutive failure count")
}
