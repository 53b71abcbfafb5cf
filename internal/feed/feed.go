package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/internal/metrics"
	"priceflow/internal/model"
	"priceflow/internal/validator"
	"priceflow/logger"
)

const (
	ExchangeBinance  = "BINANCE"
	ExchangeCoinbase = "COINBASE"
	ExchangeBybit    = "BYBIT"
)

// Window receives every validated record. Offers happen on the adapter's
// own goroutine, so contributions reach the window in the order the
// exchange delivered them.
type Window interface {
	Offer(ctx context.Context, rec model.MarketDataRecord) bool
}

// Emitter is the single path from an exchange adapter into the pipeline:
// every record is validated first, offered to the aggregation window, then
// sent to the norm channel without blocking.
type Emitter struct {
	validator *validator.Validator
	channels  *channel.Channels
	window    Window
	log       *logger.Log
}

func NewEmitter(v *validator.Validator, ch *channel.Channels, window Window) *Emitter {
	return &Emitter{
		validator: v,
		channels:  ch,
		window:    window,
		log:       logger.GetLogger(),
	}
}

func (e *Emitter) Emit(ctx context.Context, rec model.MarketDataRecord) bool {
	if reason, ok := e.validator.Validate(rec); !ok {
		e.log.WithComponent("emitter").WithFields(logger.Fields{
			"key":    rec.Key().String(),
			"reason": reason,
		}).Debug("record rejected")
		return false
	}
	if e.window != nil {
		if !e.window.Offer(ctx, rec) && ctx.Err() == nil {
			metrics.IncrementWindowInputDrop(rec.Exchange)
			e.log.WithComponent("emitter").WithFields(logger.Fields{
				"key": rec.Key().String(),
			}).Warn("window input full, dropping contribution")
		}
	}
	if !e.channels.SendNorm(ctx, rec) {
		if ctx.Err() == nil {
			e.log.WithComponent("emitter").Warn("norm channel full, dropping record")
		}
		return false
	}
	return true
}

// newHTTPClient builds the pooled client shared by the REST adapters.
func newHTTPClient(cfg *appconfig.Config) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Feeds.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Feeds.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Feeds.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Feeds.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Feeds.Timeout,
	}
}

// withRetry runs op up to the configured attempt budget with multiplicative
// backoff between attempts. The last error is returned when the budget runs
// out or the context is cancelled during a wait.
func withRetry(ctx context.Context, cfg appconfig.RetryConfig, op func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	maxDelay := cfg.MaxDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay *= time.Duration(multiplier)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

// BreakerState is the circuit breaker lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker guards an upstream REST endpoint. Consecutive failures
// trip it open; after the recovery timeout a limited number of probe
// requests may pass, and a single success closes it again.
type CircuitBreaker struct {
	mu         sync.Mutex
	threshold  int
	recovery   time.Duration
	probeLimit int
	state      BreakerState
	failures   int
	openedAt   time.Time
	probes     int
	now        func() time.Time
}

func NewCircuitBreaker(cfg appconfig.CircuitBreakerConfig) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	probeLimit := cfg.HalfOpenMaxRequests
	if probeLimit <= 0 {
		probeLimit = 1
	}
	return &CircuitBreaker{
		threshold:  threshold,
		recovery:   recovery,
		probeLimit: probeLimit,
		state:      BreakerClosed,
		now:        time.Now,
	}
}

// Allow reports whether a request may proceed, transitioning open to
// half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.recovery {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.probes = 0
		fallthrough
	case BreakerHalfOpen:
		if cb.probes >= cb.probeLimit {
			return false
		}
		cb.probes++
		return true
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.failures = 0
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
