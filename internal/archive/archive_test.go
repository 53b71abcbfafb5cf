package archive

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/logger"
)

func testArchiver() *Archiver {
	return &Archiver{
		config: &appconfig.Config{},
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		buffer: make(map[string][]model.MarketDataRecord),
	}
}

func TestCreateParquetFile(t *testing.T) {
	a := testArchiver()

	entries := []model.MarketDataRecord{
		{
			Exchange:  "BINANCE",
			Symbol:    "BTCUSDT",
			Timestamp: time.Unix(1700000000, 0).UTC(),
			Open:      50000, High: 50010, Low: 49990, Close: 50005, Volume: 12.5,
			DataType: model.DataTypeKline,
			Source:   model.SourceRest,
		},
		{
			Exchange:  "BINANCE",
			Symbol:    "BTCUSDT",
			Timestamp: time.Unix(1700000060, 0).UTC(),
			Open:      50005, High: 50020, Low: 50000, Close: 50015, Volume: 3.1,
			DataType: model.DataTypeKline,
			Source:   model.SourceRest,
		},
	}

	data, err := a.createParquetFile(entries)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, "PAR1", string(data[:4]), "parquet files start with the PAR1 magic")
}

func TestObjectKeyLayout(t *testing.T) {
	a := testArchiver()

	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	key := a.objectKey("BINANCE", "BTCUSDT", ts)
	assert.Equal(t, "exchange=BINANCE/symbol=BTCUSDT/2023/11/14/22/BINANCE_BTCUSDT_20231114221320.parquet", key)
}

func TestAddBuffersUntilBatchSize(t *testing.T) {
	a := testArchiver()
	a.config.Storage.S3.BatchSize = 100

	rec := model.MarketDataRecord{
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Open:      1, High: 1, Low: 1, Close: 1, Volume: 1,
		DataType: model.DataTypeKline,
		Source:   model.SourceRest,
	}
	for i := 0; i < 10; i++ {
		a.Add(rec)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	assert.Len(t, a.buffer["BINANCE|BTCUSDT"], 10)
}
