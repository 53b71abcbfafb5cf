package channel

import (
	"context"
	"sync"

	"priceflow/internal/model"
	"priceflow/logger"
)

type ChannelStats struct {
	NormSent    int64
	AggSent     int64
	NormDropped int64
	AggDropped  int64
}

// Channels carries validated records between pipeline stages. Norm holds
// per-exchange normalized records on their way to the deduplicating writer
// and the aggregation window; Agg holds composite records on their way to
// the publisher. Sends never block: a full buffer drops the message and
// bumps the drop counter.
type Channels struct {
	Norm chan model.MarketDataRecord
	Agg  chan model.AggregatedRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(normBufferSize, aggBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Norm: make(chan model.MarketDataRecord, normBufferSize),
		Agg:  make(chan model.AggregatedRecord, aggBufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"norm_buffer_size": normBufferSize,
		"agg_buffer_size":  aggBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Norm)
	close(c.Agg)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

func (c *Channels) IncrementNormSent() {
	c.statsMutex.Lock()
	c.stats.NormSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementAggSent() {
	c.statsMutex.Lock()
	c.stats.AggSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementNormDropped() {
	c.statsMutex.Lock()
	c.stats.NormDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementAggDropped() {
	c.statsMutex.Lock()
	c.stats.AggDropped++
	c.statsMutex.Unlock()
}

// SendNorm and SendAgg try the buffered send first so that records produced
// during shutdown still land in the buffer while a cancelled context only
// suppresses the drop accounting.

func (c *Channels) SendNorm(ctx context.Context, rec model.MarketDataRecord) bool {
	select {
	case c.Norm <- rec:
		c.IncrementNormSent()
		logger.RecordChannelMessage("norm", 0)
		return true
	default:
		if ctx.Err() == nil {
			c.IncrementNormDropped()
		}
		return false
	}
}

func (c *Channels) SendAgg(ctx context.Context, rec model.AggregatedRecord) bool {
	select {
	case c.Agg <- rec:
		c.IncrementAggSent()
		logger.RecordChannelMessage("agg", 0)
		return true
	default:
		if ctx.Err() == nil {
			c.IncrementAggDropped()
		}
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
