// Package db is the local SQLite cache for the public app index. The
// index is ~100 MB upstream, so the resolver reuses a cached copy for a
// day before refetching.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

const appListTTL = 24 * time.Hour

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the cache database under dataDir and runs
// migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "applist.db")
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS applist (
				appid INTEGER PRIMARY KEY,
				name  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_applist_name ON applist(name);

			CREATE TABLE IF NOT EXISTS applist_meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			INSERT INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}
	return nil
}

// AppEntry is one cached row of the public app index.
type AppEntry struct {
	AppID int
	Name  string
}

// FreshAppList returns the cached index when it was fetched within the
// TTL, or ok=false when the cache is stale or empty.
func (d *DB) FreshAppList() ([]AppEntry, bool) {
	var fetchedAt string
	err := d.sql.QueryRow("SELECT value FROM applist_meta WHERE key = 'fetched_at'").Scan(&fetchedAt)
	if err != nil {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil || time.Since(t) > appListTTL {
		return nil, false
	}

	rows, err := d.sql.Query("SELECT appid, name FROM applist")
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var apps []AppEntry
	for rows.Next() {
		var a AppEntry
		if err := rows.Scan(&a.AppID, &a.Name); err != nil {
			return nil, false
		}
		apps = append(apps, a)
	}
	if rows.Err() != nil || len(apps) == 0 {
		return nil, false
	}
	logger.Info("DB", fmt.Sprintf("using cached app list (%d entries, fetched %s)", len(apps), fetchedAt))
	return apps, true
}

// ReplaceAppList swaps the cached index for a fresh one in a single
// transaction and stamps the fetch time.
func (d *DB) ReplaceAppList(apps []AppEntry) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM applist"); err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO applist (appid, name) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range apps {
		if _, err := stmt.Exec(a.AppID, a.Name); err != nil {
			return err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO applist_meta (key, value) VALUES ('fetched_at', ?)", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Success("DB", fmt.Sprintf("cached app list (%d entries)", len(apps)))
	return nil
}
