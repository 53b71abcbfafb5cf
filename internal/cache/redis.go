package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"priceflow/internal/model"
	"priceflow/logger"
)

// Redis keeps the latest record per (exchange, symbol) with a bounded TTL.
// Key patterns: price:{exchange}:{symbol} for normalized records and
// realtime:{exchange}:{symbol} for streamed ones.
type Redis struct {
	client      *redis.Client
	priceTTL    time.Duration
	realtimeTTL time.Duration
	opTimeout   time.Duration
	log         *logger.Log
}

func NewRedis(addr, password string, db int, priceTTL, realtimeTTL time.Duration) *Redis {
	if priceTTL <= 0 {
		priceTTL = 5 * time.Minute
	}
	if realtimeTTL <= 0 {
		realtimeTTL = 30 * time.Second
	}
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		priceTTL:    priceTTL,
		realtimeTTL: realtimeTTL,
		opTimeout:   2 * time.Second,
		log:         logger.GetLogger(),
	}
	r.log.WithComponent("cache").WithFields(logger.Fields{
		"addr":         addr,
		"price_ttl":    priceTTL,
		"realtime_ttl": realtimeTTL,
	}).Info("redis cache initialized")
	return r
}

// SetLatest refreshes the cache entry for the record's (exchange, symbol).
// Streamed records additionally refresh the short-lived realtime key.
func (r *Redis) SetLatest(ctx context.Context, rec model.MarketDataRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	key := fmt.Sprintf("price:%s:%s", rec.Exchange, rec.Symbol)
	if err := r.client.Set(cctx, key, payload, r.priceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	if rec.Source == model.SourceWebsocket {
		rtKey := fmt.Sprintf("realtime:%s:%s", rec.Exchange, rec.Symbol)
		if err := r.client.Set(cctx, rtKey, payload, r.realtimeTTL).Err(); err != nil {
			return fmt.Errorf("failed to set %s: %w", rtKey, err)
		}
	}

	return nil
}

// GetLatest returns the cached record for (exchange, symbol), or false when
// no entry is present.
func (r *Redis) GetLatest(ctx context.Context, exchange, symbol string) (model.MarketDataRecord, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	key := fmt.Sprintf("price:%s:%s", exchange, symbol)
	payload, err := r.client.Get(cctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return model.MarketDataRecord{}, false, nil
		}
		return model.MarketDataRecord{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var rec model.MarketDataRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.MarketDataRecord{}, false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return rec, true, nil
}

func (r *Redis) Close() error {
	r.log.WithComponent("cache").Info("redis cache closed")
	return r.client.Close()
}
