package validator

import (
	"priceflow/internal/metrics"
	"priceflow/internal/model"
)

// RejectionReason classifies why a record failed validation. Rejected
// records are counted and dropped, never retried.
type RejectionReason string

const (
	MissingField     RejectionReason = "MISSING_FIELD"
	NonPositivePrice RejectionReason = "NON_POSITIVE_PRICE"
	NegativeVolume   RejectionReason = "NEGATIVE_VOLUME"
	OHLCViolation    RejectionReason = "OHLC_VIOLATION"
	PriceOutOfRange  RejectionReason = "PRICE_OUT_OF_RANGE"
)

// Validator enforces per-record structural and OHLC invariants. It performs
// no I/O and is safe for concurrent use.
type Validator struct {
	maxPrice float64
}

// New builds a Validator with the given absolute price ceiling. A ceiling
// of zero or below falls back to 1,000,000 quote units.
func New(maxPrice float64) *Validator {
	if maxPrice <= 0 {
		maxPrice = 1_000_000
	}
	return &Validator{maxPrice: maxPrice}
}

// Validate checks the record, short-circuiting on the first failure.
// Check order: required fields, positive prices, non-negative volume,
// OHLC invariant, absolute price ceiling.
func (v *Validator) Validate(rec model.MarketDataRecord) (RejectionReason, bool) {
	if rec.Exchange == "" || rec.Symbol == "" || rec.Timestamp.IsZero() || rec.DataType == "" || rec.Source == "" {
		return v.reject(rec, MissingField)
	}

	if rec.Open <= 0 || rec.High <= 0 || rec.Low <= 0 || rec.Close <= 0 {
		return v.reject(rec, NonPositivePrice)
	}

	if rec.Volume < 0 {
		return v.reject(rec, NegativeVolume)
	}

	if rec.High < rec.Open || rec.High < rec.Low || rec.High < rec.Close ||
		rec.Low > rec.Open || rec.Low > rec.Close {
		return v.reject(rec, OHLCViolation)
	}

	if rec.High > v.maxPrice {
		return v.reject(rec, PriceOutOfRange)
	}

	metrics.IncrementValidated(rec.Exchange)
	return "", true
}

func (v *Validator) reject(rec model.MarketDataRecord, reason RejectionReason) (RejectionReason, bool) {
	metrics.IncrementRejected(rec.Exchange, string(reason))
	return reason, false
}
