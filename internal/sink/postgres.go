package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpalmerr/stockpulse/retail"
)

const defaultPostgresBatch = 200

const postgresSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	retailer_id    TEXT NOT NULL,
	query          TEXT NOT NULL,
	fingerprint    TEXT,
	price          DOUBLE PRECISION,
	previous_price DOUBLE PRECISION,
	reason         TEXT,
	ts             TIMESTAMPTZ NOT NULL,
	payload        JSONB NOT NULL
)`

// batchSender is the part of *pgxpool.Pool the sink uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres is a [Sink] batch-inserting signals into a table. Signals
// already present (same id) are skipped.
type Postgres struct {
	db    batchSender
	pool  *pgxpool.Pool
	table string
	batch int
}

// OpenPostgres connects to dsn and ensures the signals table exists.
// maxConns <= 0 uses 2 connections.
func OpenPostgres(ctx context.Context, dsn, table string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping postgres: %w", err)
	}

	p := newPostgres(pool, table)
	p.pool = pool
	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, p.table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: create table %s: %w", p.table, err)
	}
	return p, nil
}

func newPostgres(db batchSender, table string) *Postgres {
	if table == "" {
		table = "signals"
	}
	return &Postgres{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		batch: defaultPostgresBatch,
	}
}

// Name implements [Sink].
func (p *Postgres) Name() string { return "postgres " + p.table }

// Send implements [Sink].
func (p *Postgres) Send(ctx context.Context, signals []retail.Signal) error {
	query := `INSERT INTO ` + p.table + `
		(id, type, retailer_id, query, fingerprint, price, previous_price, reason, ts, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`

	for i := 0; i < len(signals); i += p.batch {
		j := min(i+p.batch, len(signals))

		b := &pgx.Batch{}
		for _, s := range signals[i:j] {
			payload, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode signal %s: %w", s.ID, err)
			}

			var (
				fingerprint *string
				price       *float64
				previous    *float64
				reason      *string
			)
			if s.Product != nil {
				fingerprint = &s.Product.Fingerprint
				price = &s.Product.Representative.Price
			}
			if s.Type == retail.SignalPriceChanged {
				previous = &s.PreviousPrice
			}
			if s.Reason != "" {
				reason = &s.Reason
			}

			b.Queue(query,
				s.ID, string(s.Type), s.RetailerID, s.Query, fingerprint,
				price, previous, reason, s.Timestamp, payload,
			)
		}

		br := p.db.SendBatch(ctx, b)
		for k := 0; k < b.Len(); k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert signal: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
