package dedup

import (
	"context"
	"errors"

	"priceflow/internal/metrics"
	"priceflow/internal/model"
	"priceflow/internal/store"
	"priceflow/logger"
)

// WriteOutcome is the explicit result of a write attempt. Duplicates are
// success-equivalent, never surfaced as failures.
type WriteOutcome string

const (
	Written          WriteOutcome = "WRITTEN"
	SkippedDuplicate WriteOutcome = "SKIPPED_DUPLICATE"
	Failed           WriteOutcome = "FAILED"
)

// Store is the durable side of the writer. Insert must return
// store.ErrDuplicate on a unique-key violation.
type Store interface {
	Exists(ctx context.Context, key model.IdempotencyKey) (bool, error)
	Insert(ctx context.Context, rec model.MarketDataRecord) error
}

// Cache receives a best-effort refresh after every successful write.
type Cache interface {
	SetLatest(ctx context.Context, rec model.MarketDataRecord) error
}

// Writer guarantees that a given idempotency key is persisted at most once
// even though adapters may redeliver the same observation (overlapping poll
// windows, stream reconnect replays). It performs the store and cache
// round-trips itself; scheduling is owned by the publisher's worker pool.
// A Writer always has a store behind it; deployments without one skip the
// writer entirely.
type Writer struct {
	store Store
	cache Cache
	log   *logger.Log
}

func NewWriter(st Store, cache Cache) *Writer {
	return &Writer{
		store: st,
		cache: cache,
		log:   logger.GetLogger(),
	}
}

// WriteIfAbsent persists the record unless its key is already present.
// Check order: existence query, then insert. The existence check is only an
// optimisation; two writers racing past it are resolved by the store's
// unique constraint, which maps to SkippedDuplicate here. Any other
// persistence error is Failed and must not halt the caller's loop.
func (w *Writer) WriteIfAbsent(ctx context.Context, rec model.MarketDataRecord) WriteOutcome {
	outcome := w.writeIfAbsent(ctx, rec)
	metrics.IncrementWriteOutcome(string(outcome))
	return outcome
}

func (w *Writer) writeIfAbsent(ctx context.Context, rec model.MarketDataRecord) WriteOutcome {
	log := w.log.WithComponent("dedup_writer").WithFields(logger.Fields{"key": rec.Key().String()})

	exists, err := w.store.Exists(ctx, rec.Key())
	if err != nil {
		log.WithError(err).Warn("existence check failed")
		return Failed
	}
	if exists {
		return SkippedDuplicate
	}

	if err := w.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return SkippedDuplicate
		}
		log.WithError(err).Warn("insert failed")
		return Failed
	}

	// Cache refresh is best-effort: a failure after a durable write is
	// logged, not retried, and does not flip the outcome.
	if w.cache != nil {
		if err := w.cache.SetLatest(ctx, rec); err != nil {
			log.WithError(err).Warn("cache refresh failed after durable write")
		}
	}

	return Written
}
