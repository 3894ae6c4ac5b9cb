package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/jpalmerr/stockpulse/retail"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	fingerprint TEXT PRIMARY KEY,
	identity    TEXT NOT NULL,
	retailer_id TEXT NOT NULL,
	query       TEXT NOT NULL,
	available   INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS products_identity ON products(identity, seq);

CREATE TABLE IF NOT EXISTS signals (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL,
	retailer_id TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS signals_ts ON signals(ts);
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteStore is a durable implementation of [Store] backed by
// modernc.org/sqlite. Records are stored as JSON alongside the columns
// used for lookups.
type SQLiteStore struct {
	*hub

	db *sql.DB

	// guards seq, the save order used to resolve identities
	mu  sync.Mutex
	seq int64
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// each connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}

	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	s := &SQLiteStore{hub: newHub(), db: db}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM products`).Scan(&s.seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: load sequence: %w", err)
	}
	return s, nil
}

// Product implements [Store].
func (s *SQLiteStore) Product(ctx context.Context, fingerprint string) (retail.CanonicalProduct, bool, error) {
	return s.oneProduct(ctx, `SELECT data FROM products WHERE fingerprint = ?`, fingerprint)
}

// ProductByIdentity implements [Store].
func (s *SQLiteStore) ProductByIdentity(ctx context.Context, identity string) (retail.CanonicalProduct, bool, error) {
	return s.oneProduct(ctx, `SELECT data FROM products WHERE identity = ? ORDER BY seq DESC LIMIT 1`, identity)
}

func (s *SQLiteStore) oneProduct(ctx context.Context, query string, arg any) (retail.CanonicalProduct, bool, error) {
	var (
		data string
		p    retail.CanonicalProduct
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("store: query product: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, false, fmt.Errorf("store: decode product: %w", err)
	}
	return p, true, nil
}

// SaveProducts implements [Store]. All records are written in one
// transaction.
func (s *SQLiteStore) SaveProducts(ctx context.Context, products []retail.CanonicalProduct) error {
	if len(products) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (fingerprint, identity, retailer_id, query, available, seq, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			identity = excluded.identity,
			retailer_id = excluded.retailer_id,
			query = excluded.query,
			available = excluded.available,
			seq = excluded.seq,
			data = excluded.data`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	seq := s.seq
	for _, p := range products {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: encode product %s: %w", p.Fingerprint, err)
		}
		seq++
		if _, err := stmt.ExecContext(ctx, p.Fingerprint, p.Identity, p.RetailerID(), p.Query, p.Available, seq, string(data)); err != nil {
			return fmt.Errorf("store: save product %s: %w", p.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	s.seq = seq
	return nil
}

// Products implements [Store].
func (s *SQLiteStore) Products(ctx context.Context, f ProductFilter) ([]retail.CanonicalProduct, error) {
	var (
		where []string
		args  []any
	)
	if f.RetailerID != "" {
		where = append(where, "retailer_id = ?")
		args = append(args, f.RetailerID)
	}
	if f.Query != "" {
		where = append(where, "query = ?")
		args = append(args, f.Query)
	}
	if f.AvailableOnly {
		where = append(where, "available = 1")
	}

	query := `SELECT data FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY fingerprint"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query products: %w", err)
	}
	defer rows.Close()

	out := []retail.CanonicalProduct{}
	for rows.Next() {
		var (
			data string
			p    retail.CanonicalProduct
		)
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan product: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("store: decode product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendSignals implements [Store]. Signals already logged (same id) are
// ignored.
func (s *SQLiteStore) AppendSignals(ctx context.Context, signals []retail.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("store: encode signal %s: %w", sig.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signals (id, type, retailer_id, ts, data) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			sig.ID, string(sig.Type), sig.RetailerID, sig.Timestamp.UnixNano(), string(data),
		); err != nil {
			return fmt.Errorf("store: append signal %s: %w", sig.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	s.publish(signals)
	return nil
}

// Signals implements [Store].
func (s *SQLiteStore) Signals(ctx context.Context, f SignalFilter) ([]retail.Signal, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.RetailerID != "" {
		where = append(where, "retailer_id = ?")
		args = append(args, f.RetailerID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT data FROM signals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query signals: %w", err)
	}
	defer rows.Close()

	var out []retail.Signal
	for rows.Next() {
		var (
			data string
			sig  retail.Signal
		)
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan signal: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			return nil, fmt.Errorf("store: decode signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Subscribe implements [Store].
func (s *SQLiteStore) Subscribe() <-chan retail.Signal {
	return s.subscribe()
}

// Unsubscribe implements [Store].
func (s *SQLiteStore) Unsubscribe(ch <-chan retail.Signal) {
	s.unsubscribe(ch)
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	s.closeAll()
	return s.db.Close()
}
