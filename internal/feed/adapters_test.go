package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/logger"
)

func feedConfig() *appconfig.Config {
	return &appconfig.Config{
		Feeds: appconfig.FeedsConfig{
			Symbols:   []string{"BTCUSDT"},
			Intervals: []string{"1m"},
			Timeout:   time.Second,
			Binance: appconfig.BinanceFeedConfig{
				Rest: appconfig.BinanceRestConfig{Enabled: true, Limit: 5},
			},
			ConnectionPool: appconfig.ConnectionPoolConfig{
				MaxIdleConns:    1,
				MaxConnsPerHost: 1,
				IdleConnTimeout: time.Second,
			},
		},
	}
}

func TestBinanceRestFetchKlines(t *testing.T) {
	closedOpen := time.Now().Add(-2 * time.Minute).Truncate(time.Minute)
	openOpen := time.Now().Truncate(time.Minute)
	body := fmt.Sprintf(`[
		[%d,"50000.0","50010.0","49990.0","50005.0","12.5",%d,"0",0,"0","0","0"],
		[%d,"50005.0","50020.0","50000.0","50015.0","3.1",%d,"0",0,"0","0","0"]
	]`,
		closedOpen.UnixMilli(), closedOpen.Add(time.Minute).UnixMilli()-1,
		openOpen.UnixMilli(), openOpen.Add(time.Minute).UnixMilli()-1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	cfg := feedConfig()
	cfg.Feeds.Binance.Rest.URL = server.URL
	emitter, channels := newTestEmitter(t)

	r := NewBinanceRest(cfg, emitter)
	r.ctx = context.Background()
	r.fetchKlines("BTCUSDT", logger.GetLogger().WithComponent("binance_rest"))

	require.Len(t, channels.Norm, 1, "only the closed candle should be emitted")
	rec := <-channels.Norm
	assert.Equal(t, ExchangeBinance, rec.Exchange)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, closedOpen.UTC(), rec.Timestamp)
	assert.Equal(t, 50005.0, rec.Close)
	assert.Equal(t, 12.5, rec.Volume)
	assert.Equal(t, model.SourceRest, rec.Source)
}

func TestBinanceRestSkipsPollWhenBreakerOpen(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := feedConfig()
	cfg.Feeds.Binance.Rest.URL = server.URL
	cfg.Feeds.Retry = appconfig.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}
	cfg.Feeds.CircuitBreaker = appconfig.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}
	emitter, _ := newTestEmitter(t)

	r := NewBinanceRest(cfg, emitter)
	r.ctx = context.Background()
	log := logger.GetLogger().WithComponent("binance_rest")

	r.fetchKlines("BTCUSDT", log)
	assert.Equal(t, BreakerOpen, r.breaker.State())

	before := calls
	r.fetchKlines("BTCUSDT", log)
	assert.Equal(t, before, calls, "open breaker must short-circuit the request")
}

func TestBinanceWSHandleFrame(t *testing.T) {
	cfg := feedConfig()
	emitter, channels := newTestEmitter(t)
	w := NewBinanceWS(cfg, emitter)
	log := logger.GetLogger().WithComponent("binance_ws")
	ctx := context.Background()

	openCandle := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1700000040000,"s":"BTCUSDT","i":"1m","o":"50000","c":"50005","h":"50010","l":"49990","v":"12.5","x":false}}}`)
	w.handleFrame(ctx, log, openCandle)
	assert.Empty(t, channels.Norm, "open candles must not be emitted")

	closedCandle := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1700000040000,"s":"BTCUSDT","i":"1m","o":"50000","c":"50005","h":"50010","l":"49990","v":"12.5","x":true}}}`)
	w.handleFrame(ctx, log, closedCandle)
	require.Len(t, channels.Norm, 1)

	rec := <-channels.Norm
	assert.Equal(t, ExchangeBinance, rec.Exchange)
	assert.Equal(t, time.UnixMilli(1700000040000).UTC(), rec.Timestamp)
	assert.Equal(t, 50005.0, rec.Close)
	assert.Equal(t, model.DataTypeKline, rec.DataType)
	assert.Equal(t, model.SourceWebsocket, rec.Source)
}

func TestCoinbaseHandleFrame(t *testing.T) {
	cfg := feedConfig()
	emitter, channels := newTestEmitter(t)
	w := NewCoinbaseWS(cfg, emitter)
	log := logger.GetLogger().WithComponent("coinbase_ws")
	ctx := context.Background()

	w.handleFrame(ctx, log, []byte(`{"type":"subscriptions","channels":[]}`))
	assert.Empty(t, channels.Norm, "control frames must not be emitted")

	match := []byte(`{"type":"match","product_id":"BTC-USDT","price":"50002.5","size":"0.25","time":"2023-11-14T22:13:20.000000Z"}`)
	w.handleFrame(ctx, log, match)
	require.Len(t, channels.Norm, 1)

	rec := <-channels.Norm
	assert.Equal(t, ExchangeCoinbase, rec.Exchange)
	assert.Equal(t, "BTCUSDT", rec.Symbol, "native product ids must be canonicalized")
	assert.Equal(t, model.DataTypeTrade, rec.DataType)
	assert.Equal(t, 50002.5, rec.Open)
	assert.Equal(t, 50002.5, rec.Close)
	assert.Equal(t, 0.25, rec.Volume)

	ticker := []byte(`{"type":"ticker","product_id":"BTC-USDT","price":"50003.0","last_size":"0.1","time":"2023-11-14T22:13:21.000000Z"}`)
	w.handleFrame(ctx, log, ticker)
	require.Len(t, channels.Norm, 1)
	rec = <-channels.Norm
	assert.Equal(t, model.DataTypeTicker, rec.DataType)
	assert.Equal(t, 50003.0, rec.Close)
}

func TestBybitHandleFrame(t *testing.T) {
	cfg := feedConfig()
	emitter, channels := newTestEmitter(t)
	w := NewBybitWS(cfg, emitter)
	log := logger.GetLogger().WithComponent("bybit_ws")
	ctx := context.Background()

	unconfirmed := `{"topic":"kline.1.BTCUSDT","data":[{"start":1700000040000,"open":"50001","close":"50006","high":"50011","low":"49991","volume":"2.5","confirm":false}]}`
	w.handleFrame(ctx, log, unconfirmed)
	assert.Empty(t, channels.Norm, "unconfirmed candles must not be emitted")

	confirmed := `{"topic":"kline.1.BTCUSDT","data":[{"start":1700000040000,"open":"50001","close":"50006","high":"50011","low":"49991","volume":"2.5","confirm":true}]}`
	w.handleFrame(ctx, log, confirmed)
	require.Len(t, channels.Norm, 1)

	rec := <-channels.Norm
	assert.Equal(t, ExchangeBybit, rec.Exchange)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, 50006.0, rec.Close)
	assert.Equal(t, model.SourceWebsocket, rec.Source)
}
