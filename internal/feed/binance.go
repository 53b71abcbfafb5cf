package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/internal/symbols"
	"priceflow/logger"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"
)

// BinanceRest polls the Binance klines endpoint on an aligned schedule and
// feeds closed candles into the pipeline. Overlapping poll windows are
// expected; downstream deduplication absorbs the repeats.
type BinanceRest struct {
	config  *appconfig.Config
	client  *binance.Client
	emitter *Emitter
	limiter *rate.Limiter
	breaker *CircuitBreaker
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	symbols []string
}

func NewBinanceRest(cfg *appconfig.Config, emitter *Emitter) *BinanceRest {
	log := logger.GetLogger()

	client := binance.NewClient("", "")
	client.HTTPClient = newHTTPClient(cfg)
	if cfg.Feeds.Binance.Rest.URL != "" {
		client.BaseURL = cfg.Feeds.Binance.Rest.URL
	}

	rps := cfg.Feeds.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Feeds.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	r := &BinanceRest{
		config:  cfg,
		client:  client,
		emitter: emitter,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: NewCircuitBreaker(cfg.Feeds.CircuitBreaker),
		wg:      &sync.WaitGroup{},
		log:     log,
		symbols: cfg.Feeds.Symbols,
	}

	log.WithComponent("binance_rest").WithFields(logger.Fields{
		"max_idle_conns":     cfg.Feeds.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Feeds.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Feeds.Timeout,
	}).Info("binance rest adapter initialized")

	return r
}

func (r *BinanceRest) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance rest adapter already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_rest")

	if !r.config.Feeds.Binance.Rest.Enabled {
		log.Warn("binance rest feed is disabled")
		return fmt.Errorf("binance rest feed is disabled")
	}

	log.WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": r.pollInterval().String(),
	}).Info("starting binance rest adapter")

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.pollWorker(symbol)
	}

	log.Info("binance rest adapter started successfully")
	return nil
}

func (r *BinanceRest) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_rest").Info("stopping binance rest adapter")
	r.wg.Wait()
	r.log.WithComponent("binance_rest").Info("binance rest adapter stopped")
}

func (r *BinanceRest) pollInterval() time.Duration {
	if iv := r.config.Feeds.Binance.Rest.PollInterval; iv > 0 {
		return iv
	}
	return 15 * time.Second
}

func (r *BinanceRest) pollWorker(symbol string) {
	defer r.wg.Done()

	native := symbols.ToNative(ExchangeBinance, symbol)
	log := r.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"symbol": native,
		"worker": "kline_poller",
	})

	log.Info("starting kline worker")

	interval := r.pollInterval()

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			r.fetchKlines(native, log)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval.Milliseconds(),
				}).Warn("fetch took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (r *BinanceRest) fetchKlines(symbol string, log *logger.Entry) {
	if !r.breaker.Allow() {
		log.Debug("circuit breaker open, skipping poll")
		return
	}

	if err := r.limiter.Wait(r.ctx); err != nil {
		return
	}

	limit := r.config.Feeds.Binance.Rest.Limit
	if limit <= 0 {
		limit = 5
	}
	klineInterval := "1m"
	if len(r.config.Feeds.Intervals) > 0 {
		klineInterval = r.config.Feeds.Intervals[0]
	}

	start := time.Now()
	var klines []*binance.Kline
	err := withRetry(r.ctx, r.config.Feeds.Retry, func() error {
		var fetchErr error
		klines, fetchErr = r.client.NewKlinesService().
			Symbol(symbol).
			Interval(klineInterval).
			Limit(limit).
			Do(r.ctx)
		return fetchErr
	})
	if err != nil {
		r.breaker.Failure()
		log.WithError(err).Warn("failed to fetch klines")
		return
	}
	r.breaker.Success()
	logger.LogPerformanceEntry(log, "binance_rest", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	emitted := 0
	nowMs := time.Now().UnixMilli()
	for _, k := range klines {
		// The last kline is usually still open; only closed candles flow on.
		if k.CloseTime >= nowMs {
			continue
		}
		rec, err := r.normalize(symbol, k)
		if err != nil {
			log.WithError(err).Warn("failed to normalize kline")
			continue
		}
		if r.emitter.Emit(r.ctx, rec) {
			emitted++
		}
	}

	if emitted > 0 {
		logger.IncrementPollRead(emitted)
		logger.LogDataFlowEntry(log, "binance_api", "norm_channel", emitted, "klines")
	}
}

func (r *BinanceRest) normalize(symbol string, k *binance.Kline) (model.MarketDataRecord, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse volume: %w", err)
	}

	return model.MarketDataRecord{
		Exchange:  ExchangeBinance,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		DataType:  model.DataTypeKline,
		Source:    model.SourceRest,
	}, nil
}
