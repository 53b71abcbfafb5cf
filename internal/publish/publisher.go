package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/internal/dedup"
	"priceflow/internal/model"
	"priceflow/logger"
)

// Destination names one downstream sink. Each enabled destination is
// attempted independently; one failing never short-circuits the others.
type Destination string

const (
	DestCache  Destination = "CACHE"
	DestStore  Destination = "STORE"
	DestBroker Destination = "BROKER"
)

type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type AggStore interface {
	InsertAggregated(ctx context.Context, rec model.AggregatedRecord) error
}

type Cache interface {
	SetLatest(ctx context.Context, rec model.MarketDataRecord) error
}

type NormWriter interface {
	WriteIfAbsent(ctx context.Context, rec model.MarketDataRecord) dedup.WriteOutcome
}

// Archive receives every normalized record for cold storage. Buffering and
// flushing are the archiver's concern; Add never blocks on I/O.
type Archive interface {
	Add(rec model.MarketDataRecord)
}

// Publisher owns the worker pool that drains both pipeline channels.
// Normalized records are written through the deduplicating writer and
// mirrored to the broker; ordering toward the aggregation window is not a
// concern here, records reach it upstream before entering the pool.
// Aggregated records fan out to cache, store and broker directly.
type Publisher struct {
	config   *appconfig.Config
	channels *channel.Channels
	writer   NormWriter
	cache    Cache
	aggStore AggStore
	broker   Broker
	archive  Archive
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewPublisher(cfg *appconfig.Config, channels *channel.Channels, writer NormWriter, cache Cache, aggStore AggStore, broker Broker, archive Archive) *Publisher {
	return &Publisher{
		config:   cfg,
		channels: channels,
		writer:   writer,
		cache:    cache,
		aggStore: aggStore,
		broker:   broker,
		archive:  archive,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	workers := p.config.Writer.MaxWorkers
	if workers <= 0 {
		workers = 4
	}

	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"workers": workers,
	}).Info("starting publisher")

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.normWorker()
	}
	p.wg.Add(1)
	go p.aggWorker()

	return nil
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("publisher").Debug("stopping publisher")
	p.wg.Wait()
	p.log.WithComponent("publisher").Info("publisher stopped")
}

func (p *Publisher) normWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainNorm()
			return
		case rec, ok := <-p.channels.Norm:
			if !ok {
				return
			}
			if p.archive != nil {
				p.archive.Add(rec)
			}
			p.publishNormalized(p.ctx, rec)
		}
	}
}

func (p *Publisher) aggWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainAgg()
			return
		case rec, ok := <-p.channels.Agg:
			if !ok {
				return
			}
			p.publishAggregated(p.ctx, rec)
		}
	}
}

// drainNorm and drainAgg empty whatever the buffers still hold when the
// context is cancelled. The aggregation window flushes its open buckets on
// shutdown, and those flushed composites must not be lost between the
// channel and the sinks.

func (p *Publisher) drainNorm() {
	ctx := context.WithoutCancel(p.ctx)
	for {
		select {
		case rec, ok := <-p.channels.Norm:
			if !ok {
				return
			}
			if p.archive != nil {
				p.archive.Add(rec)
			}
			p.publishNormalized(ctx, rec)
		default:
			return
		}
	}
}

func (p *Publisher) drainAgg() {
	ctx := context.WithoutCancel(p.ctx)
	for {
		select {
		case rec, ok := <-p.channels.Agg:
			if !ok {
				return
			}
			p.publishAggregated(ctx, rec)
		default:
			return
		}
	}
}

// publishNormalized fans a normalized record out to its destinations. The
// store path runs through the deduplicating writer, which also refreshes the
// cache after a durable write; the direct cache path only applies when no
// store is configured.
func (p *Publisher) publishNormalized(ctx context.Context, rec model.MarketDataRecord) {
	var failed []Destination

	if p.config.Publisher.EnableStore && p.writer != nil {
		if outcome := p.writer.WriteIfAbsent(ctx, rec); outcome == dedup.Failed {
			failed = append(failed, DestStore)
		}
	} else if p.config.Publisher.EnableCache && p.cache != nil {
		if err := p.cache.SetLatest(ctx, rec); err != nil {
			failed = append(failed, DestCache)
		}
	}

	if p.config.Publisher.EnableBroker && p.broker != nil {
		if !p.publishToBroker(ctx, tradesTopic(rec.Exchange), rec.Exchange+":"+rec.Symbol, rec) {
			failed = append(failed, DestBroker)
		}
	}

	if len(failed) > 0 {
		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"key":          rec.Key().String(),
			"destinations": failed,
		}).Warn("publish incomplete")
	}
}

func (p *Publisher) publishAggregated(ctx context.Context, rec model.AggregatedRecord) {
	var failed []Destination

	if p.config.Publisher.EnableCache && p.cache != nil {
		if err := p.cache.SetLatest(ctx, rec.MarketDataRecord); err != nil {
			failed = append(failed, DestCache)
		}
	}

	if p.config.Publisher.EnableStore && p.aggStore != nil {
		if err := p.aggStore.InsertAggregated(ctx, rec); err != nil {
			failed = append(failed, DestStore)
		}
	}

	if p.config.Publisher.EnableBroker && p.broker != nil {
		topic := p.config.Storage.Kafka.AggregatedTopic
		if !p.publishToBroker(ctx, topic, rec.Exchange+":"+rec.Symbol, rec) {
			failed = append(failed, DestBroker)
		}
	}

	if len(failed) > 0 {
		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"key":          rec.Key().String(),
			"destinations": failed,
		}).Warn("aggregated publish incomplete")
	}
}

// publishToBroker writes the record to its primary topic and mirrors it to
// the shared price-updates topic. Either write failing marks the broker
// destination failed.
func (p *Publisher) publishToBroker(ctx context.Context, topic, key string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("failed to marshal record")
		return false
	}

	ok := true
	if err := p.broker.Publish(ctx, topic, key, payload); err != nil {
		p.log.WithComponent("publisher").WithError(err).WithFields(logger.Fields{
			"topic": topic,
		}).Warn("broker publish failed")
		ok = false
	}
	if priceTopic := p.config.Storage.Kafka.PriceTopic; priceTopic != "" {
		if err := p.broker.Publish(ctx, priceTopic, key, payload); err != nil {
			p.log.WithComponent("publisher").WithError(err).WithFields(logger.Fields{
				"topic": priceTopic,
			}).Warn("broker publish failed")
			ok = false
		}
	}
	return ok
}

func tradesTopic(exchange string) string {
	return strings.ToLower(exchange) + "-trades"
}
