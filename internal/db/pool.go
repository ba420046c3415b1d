// Package db opens and pools the SQL backends of the knowledge store.
package db

import "github.com/jmoiron/sqlx"

// Pool splits reads from writes. SQLite needs the split: WAL mode supports
// many readers but only one writer, so the writer side is pinned to a single
// connection. Postgres pools internally; both sides may be the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps already-open writer and reader handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECTs. Under SQLite these read WAL snapshots
// and never block on the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating a shared handle.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}
