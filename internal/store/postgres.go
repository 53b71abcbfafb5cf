package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"priceflow/internal/model"
	"priceflow/logger"
)

// ErrDuplicate reports that a row with the same idempotency key already
// exists. The unique constraint on (exchange, symbol, ts) is the final
// arbiter under concurrent writers; callers treat this as success-equivalent.
var ErrDuplicate = errors.New("duplicate record")

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS market_data (
	exchange   TEXT             NOT NULL,
	symbol     TEXT             NOT NULL,
	ts         TIMESTAMPTZ      NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	data_type  TEXT             NOT NULL,
	source     TEXT             NOT NULL,
	CONSTRAINT market_data_key UNIQUE (exchange, symbol, ts)
);
CREATE TABLE IF NOT EXISTS aggregated_market_data (
	symbol       TEXT             NOT NULL,
	bucket_start TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL,
	contributors TEXT[]           NOT NULL,
	CONSTRAINT aggregated_market_data_key UNIQUE (symbol, bucket_start)
);`

// Postgres persists normalized and aggregated records. One row per
// MarketDataRecord keyed by (exchange, symbol, ts).
type Postgres struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
	log       *logger.Log
}

// NewPostgres connects a pool for the given DSN and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string, opTimeout time.Duration) (*Postgres, error) {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	p := &Postgres{
		pool:      pool,
		opTimeout: opTimeout,
		log:       logger.GetLogger(),
	}

	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := pool.Exec(cctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	p.log.WithComponent("store").Info("postgres store initialized")
	return p, nil
}

// Exists reports whether a row for the given key is already persisted.
func (p *Postgres) Exists(ctx context.Context, key model.IdempotencyKey) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	var one int
	err := p.pool.QueryRow(cctx,
		`SELECT 1 FROM market_data WHERE exchange = $1 AND symbol = $2 AND ts = $3`,
		key.Exchange, key.Symbol, key.Timestamp.UTC(),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query market_data: %w", err)
	}
	return true, nil
}

// Insert writes one normalized record. A unique-constraint violation from a
// concurrent writer surfaces as ErrDuplicate.
func (p *Postgres) Insert(ctx context.Context, rec model.MarketDataRecord) error {
	cctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO market_data (exchange, symbol, ts, open, high, low, close, volume, data_type, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Exchange, rec.Symbol, rec.Timestamp.UTC(),
		rec.Open, rec.High, rec.Low, rec.Close, rec.Volume,
		string(rec.DataType), string(rec.Source),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert market_data row: %w", err)
	}

	logger.IncrementStoreWrite(1)
	return nil
}

// InsertAggregated writes one composite record. The bucket key is already
// unique per (symbol, bucket), so a replay simply overwrites in place.
func (p *Postgres) InsertAggregated(ctx context.Context, rec model.AggregatedRecord) error {
	cctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO aggregated_market_data (symbol, bucket_start, open, high, low, close, volume, contributors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT ON CONSTRAINT aggregated_market_data_key DO UPDATE SET
		   open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		   close = EXCLUDED.close, volume = EXCLUDED.volume, contributors = EXCLUDED.contributors`,
		rec.Symbol, rec.Timestamp.UTC(),
		rec.Open, rec.High, rec.Low, rec.Close, rec.Volume,
		rec.Contributors,
	)
	if err != nil {
		return fmt.Errorf("failed to insert aggregated row: %w", err)
	}

	logger.IncrementStoreWrite(1)
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
	p.log.WithComponent("store").Info("postgres store closed")
}
