// Package store persists registry, vault, breaker, token and event state in
// SQL. The same queries run on PostgreSQL (lib/pq) and on SQLite
// (modernc.org/sqlite) in lite mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Open connects to databaseURL, or to a SQLite file under dataDir when
// databaseURL is empty.
func Open(ctx context.Context, databaseURL, dataDir string) (*sql.DB, error) {
	driver, dsn := "postgres", databaseURL
	if databaseURL == "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		driver = "sqlite"
		dsn = filepath.Join(dataDir, "oyad.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer keeps SQLite transactions from failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	account TEXT NOT NULL,
	proposal_hash TEXT NOT NULL,
	assertion_id TEXT NOT NULL,
	proposer TEXT NOT NULL,
	bond TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	challenge_window_ends BIGINT NOT NULL,
	PRIMARY KEY (account, proposal_hash),
	UNIQUE (account, assertion_id)
);

CREATE TABLE IF NOT EXISTS vaults (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_state (
	id INTEGER PRIMARY KEY,
	authority TEXT NOT NULL,
	frozen BOOLEAN NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_balances (
	token TEXT NOT NULL,
	holder TEXT NOT NULL,
	amount TEXT NOT NULL,
	PRIMARY KEY (token, holder)
);

CREATE TABLE IF NOT EXISTS token_allowances (
	token TEXT NOT NULL,
	owner TEXT NOT NULL,
	spender TEXT NOT NULL,
	amount TEXT NOT NULL,
	PRIMARY KEY (token, owner, spender)
);

CREATE TABLE IF NOT EXISTS events (
	sequence BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	account TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	archive_ref TEXT NOT NULL,
	committed_at BIGINT NOT NULL
);
`

// Init creates every table.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
