package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceflow/internal/model"
	"priceflow/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]model.MarketDataRecord
	existsErr error
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.MarketDataRecord)}
}

func (f *fakeStore) Exists(_ context.Context, key model.IdempotencyKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.rows[key.String()]
	return ok, nil
}

func (f *fakeStore) Insert(_ context.Context, rec model.MarketDataRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	key := rec.Key().String()
	if _, ok := f.rows[key]; ok {
		return store.ErrDuplicate
	}
	f.rows[key] = rec
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]model.MarketDataRecord
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]model.MarketDataRecord)}
}

func (f *fakeCache) SetLatest(_ context.Context, rec model.MarketDataRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries[rec.Exchange+":"+rec.Symbol] = rec
	return nil
}

func testRecord() model.MarketDataRecord {
	return model.MarketDataRecord{
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Open:      100, High: 110, Low: 90, Close: 105, Volume: 1,
		DataType: model.DataTypeKline,
		Source:   model.SourceRest,
	}
}

func TestWriteIfAbsentIdempotence(t *testing.T) {
	st := newFakeStore()
	cache := newFakeCache()
	w := NewWriter(st, cache)
	ctx := context.Background()

	rec := testRecord()
	require.Equal(t, Written, w.WriteIfAbsent(ctx, rec))
	require.Equal(t, SkippedDuplicate, w.WriteIfAbsent(ctx, rec))
	assert.Equal(t, 1, st.count())
}

func TestWriteIfAbsentConcurrentInsertRace(t *testing.T) {
	st := newFakeStore()
	w := NewWriter(st, nil)
	ctx := context.Background()

	// The existence check misses but the insert hits the unique constraint,
	// as when a concurrent writer won the race.
	rec := testRecord()
	st.insertErr = store.ErrDuplicate
	assert.Equal(t, SkippedDuplicate, w.WriteIfAbsent(ctx, rec))
}

func TestWriteIfAbsentStoreFailure(t *testing.T) {
	st := newFakeStore()
	w := NewWriter(st, nil)
	ctx := context.Background()

	st.insertErr = errors.New("connection refused")
	assert.Equal(t, Failed, w.WriteIfAbsent(ctx, testRecord()))

	st.insertErr = nil
	st.existsErr = errors.New("connection refused")
	assert.Equal(t, Failed, w.WriteIfAbsent(ctx, testRecord()))
}

func TestCacheFailureDoesNotFlipOutcome(t *testing.T) {
	st := newFakeStore()
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	w := NewWriter(st, cache)

	assert.Equal(t, Written, w.WriteIfAbsent(context.Background(), testRecord()))
	assert.Equal(t, 1, st.count())
}

func TestCacheNotTouchedOnDuplicate(t *testing.T) {
	st := newFakeStore()
	cache := newFakeCache()
	w := NewWriter(st, cache)
	ctx := context.Background()

	rec := testRecord()
	require.Equal(t, Written, w.WriteIfAbsent(ctx, rec))

	cache.mu.Lock()
	cache.entries = make(map[string]model.MarketDataRecord)
	cache.mu.Unlock()

	require.Equal(t, SkippedDuplicate, w.WriteIfAbsent(ctx, rec))
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Empty(t, cache.entries, "duplicate write must not refresh the cache")
}
