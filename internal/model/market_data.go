package model

import (
	"fmt"
	"time"
)

// DataType identifies the kind of observation a record carries.
type DataType string

const (
	DataTypeKline  DataType = "KLINE"
	DataTypeTrade  DataType = "TRADE"
	DataTypeTicker DataType = "TICKER"
)

// Source identifies the transport a record arrived through.
type Source string

const (
	SourceRest          Source = "REST"
	SourceWebsocket     Source = "WEBSOCKET"
	SourceMultiExchange Source = "MULTI_EXCHANGE"
)

// AggregatedExchange is the synthetic exchange name carried by composite records.
const AggregatedExchange = "AGGREGATED"

// MarketDataRecord is a single OHLCV observation normalized from one exchange.
// Records are immutable after creation and flow through the pipeline by value.
type MarketDataRecord struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	DataType  DataType  `json:"data_type"`
	Source    Source    `json:"source"`
}

// Key returns the idempotency key identifying this record's observation slot.
func (r MarketDataRecord) Key() IdempotencyKey {
	return IdempotencyKey{
		Exchange:  r.Exchange,
		Symbol:    r.Symbol,
		Timestamp: r.Timestamp,
	}
}

// IdempotencyKey uniquely identifies one observation slot. It is the natural
// key for persistence and the dedup check before a write is attempted.
type IdempotencyKey struct {
	Exchange  string
	Symbol    string
	Timestamp time.Time
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Exchange, k.Symbol, k.Timestamp.UTC().UnixMilli())
}

// AggregatedRecord is the volume-weighted composite view of one bucket
// across multiple exchanges.
type AggregatedRecord struct {
	MarketDataRecord
	Contributors []string `json:"contributors"`
}

// NewAggregatedRecord builds the composite envelope for a bucket. Price
// fields are filled in by the aggregator.
func NewAggregatedRecord(symbol string, bucketStart time.Time, contributors []string) AggregatedRecord {
	return AggregatedRecord{
		MarketDataRecord: MarketDataRecord{
			Exchange:  AggregatedExchange,
			Symbol:    symbol,
			Timestamp: bucketStart,
			DataType:  DataTypeKline,
			Source:    SourceMultiExchange,
		},
		Contributors: contributors,
	}
}

// RawFeedMessage is the wire envelope an adapter produces before a payload
// has been parsed into a MarketDataRecord.
type RawFeedMessage struct {
	Exchange   string
	Symbol     string
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}
