package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// Four readers cover the gateway's concurrent snapshot and list
	// queries; the knowledge store has a single writer by construction.
	sqliteReaderConns = 4
)

func sqliteDSN(path string, readOnly bool) string {
	mode := "rwc"
	extra := "&_journal_mode=WAL&_synchronous=NORMAL"
	if readOnly {
		// journal_mode and synchronous are database-level settings owned
		// by the writer.
		mode = "ro"
		extra = ""
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared%s",
		path, mode, int(sqliteBusyTimeout/time.Millisecond), extra)
}

// OpenSQLite opens the write side of a SQLite knowledge store, creating the
// file and its directory if needed. The handle is pinned to one connection so
// writes serialize instead of surfacing SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	_ = f.Close()

	conn, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read-only side with a small connection pool.
// Call after OpenSQLite so WAL mode is already established.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
