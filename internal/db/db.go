// Package db wraps the sqlite database holding the trip event ledger and the
// small key-value table used for cached pointers and ephemeral prompt state.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the sqlite database at path and ensures the
// schema exists. The schema here must stay in sync with db/migrations.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// The ledger has a single logical writer; serialise access at the pool
	// level so overlapping background/foreground callers queue instead of
	// hitting SQLITE_BUSY.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS events (
			id             TEXT PRIMARY KEY,
			trip_id        TEXT NOT NULL,
			type           TEXT NOT NULL,
			at_ms          BIGINT NOT NULL,
			lat            DOUBLE,
			lng            DOUBLE,
			accuracy_m     DOUBLE,
			address        TEXT,
			sync_status    TEXT NOT NULL DEFAULT 'local',
			odo_km         DOUBLE,
			session_id     TEXT,
			liters         DOUBLE,
			day_close      INTEGER NOT NULL DEFAULT 0,
			day_index      INTEGER,
			ic_status      TEXT,
			ic_name        TEXT,
			ic_distance_m  DOUBLE,
			created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_trip_at ON events(trip_id, at_ms);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{sqldb}, nil
}

// GetKV returns the value for key, or ok=false if the key is absent.
func (db *DB) GetKV(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetKV upserts a key-value pair.
func (db *DB) SetKV(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ListKV returns all key-value pairs whose key starts with prefix.
func (db *DB) ListKV(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteKV removes a key. Deleting an absent key is not an error.
func (db *DB) DeleteKV(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// AttachAdminRoutes mounts the debug SQL console under /debug. Accessible only
// in dev mode or over Tailscale, same as the rest of the /debug surface.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://tracklog.db", db.DB, &tailsql.DBOptions{
		Label: "Tracklog DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
