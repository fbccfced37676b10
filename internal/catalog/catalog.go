// Package catalog is the hub's relational adapter: a single table recording
// which shards have registered, with a deterministic conflict on duplicate
// registration.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a shard id is already present in the catalog.
var ErrConflict = errors.New("catalog: shard already registered")

// Catalog wraps the hub's shards table.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and ensures
// the shards table exists.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection

	const schema = `CREATE TABLE IF NOT EXISTS shards (
		id       TEXT PRIMARY KEY,
		agent    TEXT NOT NULL,
		capacity INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the database connection, for health checks.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// RegisterShard inserts a row for (id, agent, capacity). A second
// registration of the same id returns ErrConflict and leaves the existing
// row unchanged.
func (c *Catalog) RegisterShard(ctx context.Context, id, agent string, capacity uint64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO shards (id, agent, capacity) VALUES (?, ?, ?)`,
		id, agent, capacity,
	)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return fmt.Errorf("catalog: register shard %s: %w", id, err)
}

// ShardRow is one row of the shards table, used by tests and introspection.
type ShardRow struct {
	ID       string
	Agent    string
	Capacity uint64
}

// GetShard returns the row for id, or ok=false if no such shard is
// registered.
func (c *Catalog) GetShard(ctx context.Context, id string) (row ShardRow, ok bool, err error) {
	r := c.db.QueryRowContext(ctx, `SELECT id, agent, capacity FROM shards WHERE id = ?`, id)
	err = r.Scan(&row.ID, &row.Agent, &row.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return ShardRow{}, false, nil
	}
	if err != nil {
		return ShardRow{}, false, fmt.Errorf("catalog: get shard %s: %w", id, err)
	}
	return row, true, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLite's constraint failure in the error
	// text; there is no typed sentinel to compare against.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
