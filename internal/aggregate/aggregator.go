package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"priceflow/internal/model"
)

// RejectionReason classifies why a bucket could not be aggregated. The
// per-exchange records already persisted are never reverted.
type RejectionReason string

const (
	ZeroVolume        RejectionReason = "ZERO_VOLUME"
	DeviationExceeded RejectionReason = "DEVIATION_EXCEEDED"
)

// Rejection carries the reason and the offending bucket for logging.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("aggregation rejected: %s (%s)", r.Reason, r.Detail)
}

// BucketState tracks a bucket through its lifecycle. EMITTED is terminal.
type BucketState string

const (
	StateAccumulating BucketState = "ACCUMULATING"
	StateReady        BucketState = "READY"
	StateEmitted      BucketState = "EMITTED"
)

// Bucket accumulates the latest record per exchange for one
// (symbol, bucket-start) pair. Owned exclusively by the Window goroutine.
type Bucket struct {
	Symbol        string
	BucketStart   time.Time
	Contributions map[string]model.MarketDataRecord
	FirstSeen     time.Time
	State         BucketState
}

func newBucket(symbol string, bucketStart, now time.Time) *Bucket {
	return &Bucket{
		Symbol:        symbol,
		BucketStart:   bucketStart,
		Contributions: make(map[string]model.MarketDataRecord),
		FirstSeen:     now,
		State:         StateAccumulating,
	}
}

// add records a contribution, replacing any earlier one from the same
// exchange (last-write-wins within the bucket).
func (b *Bucket) add(rec model.MarketDataRecord) {
	b.Contributions[rec.Exchange] = rec
}

// TotalVolume sums contributor volumes.
func (b *Bucket) TotalVolume() float64 {
	var total float64
	for _, rec := range b.Contributions {
		total += rec.Volume
	}
	return total
}

// Aggregate computes the volume-weighted composite record for a bucket.
// High is the max across contributors, low the min, open and close are
// volume-weighted means. The result's close must stay within maxDeviation
// of every contributor's close or the whole aggregation is rejected.
func Aggregate(b *Bucket, maxDeviation float64) (model.AggregatedRecord, *Rejection) {
	totalVolume := b.TotalVolume()
	if totalVolume == 0 {
		return model.AggregatedRecord{}, &Rejection{
			Reason: ZeroVolume,
			Detail: fmt.Sprintf("%s bucket %s has no volume across %d contributors", b.Symbol, b.BucketStart.Format(time.RFC3339), len(b.Contributions)),
		}
	}

	contributors := make([]string, 0, len(b.Contributions))
	for exchange := range b.Contributions {
		contributors = append(contributors, exchange)
	}
	sort.Strings(contributors)

	agg := model.NewAggregatedRecord(b.Symbol, b.BucketStart, contributors)
	agg.High = math.Inf(-1)
	agg.Low = math.Inf(1)

	var weightedOpen, weightedClose float64
	for _, exchange := range contributors {
		rec := b.Contributions[exchange]
		weightedOpen += rec.Open * rec.Volume
		weightedClose += rec.Close * rec.Volume
		if rec.High > agg.High {
			agg.High = rec.High
		}
		if rec.Low < agg.Low {
			agg.Low = rec.Low
		}
	}

	agg.Open = weightedOpen / totalVolume
	agg.Close = weightedClose / totalVolume
	agg.Volume = totalVolume

	for _, exchange := range contributors {
		rec := b.Contributions[exchange]
		if rec.Close <= 0 {
			continue
		}
		deviation := math.Abs(agg.Close-rec.Close) / rec.Close
		if deviation > maxDeviation {
			return model.AggregatedRecord{}, &Rejection{
				Reason: DeviationExceeded,
				Detail: fmt.Sprintf("%s bucket %s: aggregate close %.8f deviates %.4f from %s close %.8f (bound %.4f)",
					b.Symbol, b.BucketStart.Format(time.RFC3339), agg.Close, deviation, exchange, rec.Close, maxDeviation),
			}
		}
	}

	return agg, nil
}
