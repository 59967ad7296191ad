// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/mono"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type DB struct {
	sq   *sql.DB
	path string

	devCache atomicDevCache
	obsCache atomicObsCache

	hasRfPackets bool
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA cache_size=-65536",
	"PRAGMA foreign_keys=ON",
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "meshdb: mkdir")
	}
	sq, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "meshdb: open")
	}
	// single-writer multi-reader via WAL; serialize Go-side access to the writer
	sq.SetMaxOpenConns(1)
	db := &DB{sq: sq, path: path}
	for _, p := range pragmas {
		if _, err := sq.Exec(p); err != nil {
			sq.Close()
			return nil, errors.Wrapf(err, "meshdb: %s", p)
		}
	}
	if err := db.createTables(); err != nil {
		sq.Close()
		return nil, err
	}
	db.addMissingColumns()
	db.hasRfPackets = db.tableExists("rf_packets")
	nlog.Infof("meshdb: opened %s (rf_packets=%v)", path, db.hasRfPackets)
	return db, nil
}

func (db *DB) Close() error { return db.sq.Close() }

func (db *DB) tableExists(name string) bool {
	var n int
	err := db.sq.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil && n > 0
}

// HasRfPackets reports whether the ingest-owned raw packet table is present;
// the observer rank engine prefers it over tailing observer.ndjson.
func (db *DB) HasRfPackets() bool { return db.hasRfPackets }

//
// timed statement wrappers (DEBUG_SQL)
//

func (db *DB) Exec(q string, args ...any) (sql.Result, error) {
	defer db.timed(q)()
	return db.sq.Exec(q, args...)
}

func (db *DB) Query(q string, args ...any) (*sql.Rows, error) {
	defer db.timed(q)()
	return db.sq.Query(q, args...)
}

func (db *DB) QueryRow(q string, args ...any) *sql.Row {
	defer db.timed(q)()
	return db.sq.QueryRow(q, args...)
}

func (db *DB) Begin() (*sql.Tx, error) { return db.sq.Begin() }

func (db *DB) timed(q string) func() {
	if !cmn.Rom.DebugSQL() {
		return func() {}
	}
	started := mono.NanoTime()
	return func() {
		el := mono.Since(started)
		if el > time.Millisecond {
			nlog.Infof("sql %v: %s", el, firstLine(q))
		}
	}
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i > 0 {
		q = q[:i] + " ..."
	}
	return q
}

// Placeholders renders "?,?,..." for IN (...) batches.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
