package channel

import (
	"context"
	"testing"
	"time"

	"priceflow/internal/model"
)

func record(exchange string) model.MarketDataRecord {
	return model.MarketDataRecord{
		Exchange:  exchange,
		Symbol:    "BTCUSDT",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Open:      100, High: 110, Low: 90, Close: 105, Volume: 1,
		DataType: model.DataTypeKline,
		Source:   model.SourceRest,
	}
}

func TestSendNorm(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	if !c.SendNorm(ctx, record("binance")) {
		t.Fatal("first send should succeed")
	}
	// buffer full: drop, not block
	if c.SendNorm(ctx, record("coinbase")) {
		t.Fatal("second send should be dropped")
	}

	stats := c.GetStats()
	if stats.NormSent != 1 {
		t.Errorf("unexpected sent count: %d", stats.NormSent)
	}
	if stats.NormDropped != 1 {
		t.Errorf("unexpected drop count: %d", stats.NormDropped)
	}
}

func TestSendNormCancelledContext(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Norm <- record("binance") // fill buffer so the send cannot proceed
	if c.SendNorm(ctx, record("coinbase")) {
		t.Fatal("send on cancelled context should fail")
	}
}

func TestSendAgg(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	agg := model.NewAggregatedRecord("BTCUSDT", time.Unix(1700000000, 0).UTC(), []string{"binance", "coinbase"})
	if !c.SendAgg(ctx, agg) {
		t.Fatal("agg send should succeed")
	}
	got := <-c.Agg
	if got.Exchange != model.AggregatedExchange {
		t.Errorf("unexpected exchange: %s", got.Exchange)
	}
}
