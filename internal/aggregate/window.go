package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/metrics"
	"priceflow/internal/model"
	"priceflow/internal/symbols"
	"priceflow/logger"
)

type bucketKey struct {
	symbol      string
	bucketStart time.Time
}

// EmitFunc receives each successfully aggregated record. A false return
// means the downstream buffer was full and the record was dropped.
type EmitFunc func(ctx context.Context, rec model.AggregatedRecord) bool

// Window groups records into per-(symbol, bucket) accumulators and decides
// when to emit. A single goroutine owns the bucket map; contributions arrive
// over a channel, so unrelated symbols are never serialized behind a lock
// held across aggregation.
type Window struct {
	config  *appconfig.Config
	in      chan model.MarketDataRecord
	emit    EmitFunc
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	buckets map[bucketKey]*Bucket
	emitted map[bucketKey]time.Time

	now func() time.Time // test hook
}

func NewWindow(cfg *appconfig.Config, inputBuffer int, emit EmitFunc) *Window {
	if inputBuffer < 1 {
		inputBuffer = 1
	}
	return &Window{
		config:  cfg,
		in:      make(chan model.MarketDataRecord, inputBuffer),
		emit:    emit,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		buckets: make(map[bucketKey]*Bucket),
		emitted: make(map[bucketKey]time.Time),
		now:     time.Now,
	}
}

// Offer hands a record to the window without blocking. Drops are reported
// to the caller so channel pressure is visible upstream.
func (w *Window) Offer(ctx context.Context, rec model.MarketDataRecord) bool {
	select {
	case w.in <- rec:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func (w *Window) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("aggregation window already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.log.WithComponent("window").WithFields(logger.Fields{
		"bucket_width":  w.config.Aggregation.BucketWidth,
		"flush_timeout": w.config.Aggregation.FlushTimeout,
		"min_exchanges": w.config.Aggregation.MinExchanges,
	}).Info("starting aggregation window")

	w.wg.Add(1)
	go w.run()

	return nil
}

func (w *Window) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("window").Info("stopping aggregation window")
	w.wg.Wait()
	w.log.WithComponent("window").Info("aggregation window stopped")
}

func (w *Window) run() {
	defer w.wg.Done()

	sweepInterval := w.config.Aggregation.FlushTimeout / 4
	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	log := w.log.WithComponent("window")

	for {
		select {
		case <-w.ctx.Done():
			// flush whatever is left so single-exchange buckets are not lost
			w.flushAll()
			log.Info("window stopped due to context cancellation")
			return
		case rec, ok := <-w.in:
			if !ok {
				w.flushAll()
				log.Info("input channel closed, window stopping")
				return
			}
			w.contribute(rec)
		case <-ticker.C:
			w.sweep()
		}
	}
}

// contribute adds a record to its bucket, creating the bucket on first
// contribution, and emits as soon as enough distinct exchanges reported.
func (w *Window) contribute(rec model.MarketDataRecord) {
	key := w.keyFor(rec)

	if _, wasEmitted := w.emitted[key]; wasEmitted {
		metrics.IncrementLateContribution(key.symbol)
		w.log.WithComponent("window").WithFields(logger.Fields{
			"symbol":   key.symbol,
			"bucket":   key.bucketStart.Format(time.RFC3339),
			"exchange": rec.Exchange,
		}).Debug("late contribution for emitted bucket dropped")
		return
	}

	b, ok := w.buckets[key]
	if !ok {
		b = newBucket(key.symbol, key.bucketStart, w.now())
		w.buckets[key] = b
	}
	b.add(rec)

	if len(b.Contributions) >= w.config.Aggregation.MinExchanges {
		b.State = StateReady
		w.emitBucket(key, b)
	}
}

// sweep flushes buckets whose age exceeded the flush timeout, so a
// single-exchange bucket is eventually published degraded rather than held
// forever, and prunes the emitted-key memory.
func (w *Window) sweep() {
	now := w.now()
	timeout := w.config.Aggregation.FlushTimeout

	for key, b := range w.buckets {
		if now.Sub(b.FirstSeen) >= timeout {
			b.State = StateReady
			w.emitBucket(key, b)
		}
	}

	retention := 2 * timeout
	for key, at := range w.emitted {
		if now.Sub(at) >= retention {
			delete(w.emitted, key)
		}
	}
}

func (w *Window) flushAll() {
	for key, b := range w.buckets {
		b.State = StateReady
		w.emitBucket(key, b)
	}
}

// emitBucket aggregates a READY bucket and removes it from the active map.
// The transition to EMITTED is terminal whether or not aggregation
// succeeded; a rejected bucket is logged and dropped, never retried.
func (w *Window) emitBucket(key bucketKey, b *Bucket) {
	log := w.log.WithComponent("window").WithFields(logger.Fields{
		"symbol":       key.symbol,
		"bucket":       key.bucketStart.Format(time.RFC3339),
		"contributors": len(b.Contributions),
	})

	delete(w.buckets, key)
	b.State = StateEmitted
	w.emitted[key] = w.now()

	agg, rej := Aggregate(b, w.config.Aggregation.MaxDeviation)
	if rej != nil {
		metrics.IncrementAggregation(string(rej.Reason))
		log.WithFields(logger.Fields{"reason": string(rej.Reason), "detail": rej.Detail}).Warn("aggregation rejected")
		return
	}

	metrics.IncrementAggregation("EMITTED")

	if w.emit != nil {
		if !w.emit(w.ctx, agg) && w.ctx.Err() == nil {
			log.Warn("aggregated channel full, dropping composite record")
		}
	}
}

func (w *Window) keyFor(rec model.MarketDataRecord) bucketKey {
	return bucketKey{
		symbol:      symbols.Canonical(rec.Exchange, rec.Symbol),
		bucketStart: rec.Timestamp.UTC().Truncate(w.config.Aggregation.BucketWidth),
	}
}
