// Package kvstore is Citadel's ordered key/value store: a fixed set of
// named tables, byte-string keys and values, per-connection transactions
// and cursors, and transparent per-value compression for the tables the
// spec calls out.
//
// The backing engine is the embedded SQLite used throughout the teacher
// corpus (crawshaw.io/sqlite): every logical table is a TableID partition
// of one WITHOUT ROWID "KV" table, keyed by (TableID, Key) so that a cursor
// scan over a table returns keys in byte order, as the spec requires of an
// "ordered key/value store".
package kvstore

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"citadel.example/server/core"
)

// Table identifies one of the 14 logical tables from the data model.
type Table int

const (
	TableMsgMain Table = iota
	TableUsers
	TableRooms
	TableFloorTab
	TableMsgLists
	TableVisit
	TableDirectory
	TableUseTable
	TableBigMsgs
	TableFullText
	TableEuidIndex
	TableUsersByNumber
	TableExtAuth
	TableConfig
	numTables
)

// NumTables reports how many logical tables the store has, so a caller
// that must visit all of them (a full-database export, for instance)
// doesn't have to hardcode the count.
func NumTables() int { return int(numTables) }

func (t Table) String() string {
	names := [...]string{
		"MsgMain", "Users", "Rooms", "FloorTab", "MsgLists", "Visit",
		"Directory", "UseTable", "BigMsgs", "FullText", "EuidIndex",
		"UsersByNumber", "ExtAuth", "Config",
	}
	if t < 0 || int(t) >= len(names) {
		return fmt.Sprintf("Table(%d)", int(t))
	}
	return names[t]
}

// compressedTables transparently compress their values on Store and
// inflate on Fetch, per spec 4.1.
var compressedTables = map[Table]bool{
	TableVisit:    true,
	TableUseTable: true,
}

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS KV (
	TableID INTEGER NOT NULL,
	Key     BLOB NOT NULL,
	Value   BLOB NOT NULL,
	PRIMARY KEY (TableID, Key)
) WITHOUT ROWID;
`

// KVStore is the process-wide handle on the store. Individual goroutines
// check out a *Conn, which stands in for the spec's "per-thread" binding:
// at most one open write transaction and any number of read cursors.
type KVStore struct {
	pool *sqlitex.Pool

	Logf core.Logf
	// FatalFn is invoked (instead of os.Exit) on any KV error that is not
	// ErrNotFound or ErrDeadlock, per the spec's "abort on unrecoverable
	// KV error" policy. Tests can observe the policy without killing the
	// test binary by injecting their own FatalFn.
	FatalFn func(error)
}

// Open performs a clean open of dbfile, creating the KV table if absent.
// This package has no separate recovery entry point and does not attempt
// catastrophic recovery itself, since the SQLite engine's own WAL
// recovery runs transparently on Open.
func Open(dbfile string) (*KVStore, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("kvstore.Open: init open: %v", err)
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvstore.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("kvstore.Open: init close: %v", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("kvstore.Open: pool: %v", err)
	}
	return &KVStore{
		pool:    pool,
		Logf:    func(string, ...interface{}) {},
		FatalFn: func(err error) { panic(fmt.Sprintf("kvstore: fatal: %v", err)) },
	}, nil
}

func initSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA busy_timeout=5000;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

func (kv *KVStore) Close() error {
	return kv.pool.Close()
}

// Compact returns free space to the filesystem.
func (kv *KVStore) Compact() error {
	conn := kv.pool.Get(context.Background())
	if conn == nil {
		return context.Canceled
	}
	defer kv.pool.Put(conn)
	return sqlitex.ExecTransient(conn, "PRAGMA incremental_vacuum;", nil)
}

// Checkpoint requests a passive WAL checkpoint.
func (kv *KVStore) Checkpoint() error {
	conn := kv.pool.Get(context.Background())
	if conn == nil {
		return context.Canceled
	}
	defer kv.pool.Put(conn)
	return sqlitex.ExecTransient(conn, "PRAGMA wal_checkpoint(PASSIVE);", nil)
}

// Conn is a checked-out connection, standing in for the spec's per-thread
// binding. Acquire one per goroutine/worker and Release it when done;
// do not share a Conn across goroutines.
type Conn struct {
	kv      *KVStore
	sq      *sqlite.Conn
	cursors int // open read cursors; must be 0 before a write transaction
	inTxn   bool
}

// Acquire checks out a Conn from the pool. It blocks until one is
// available or ctx is done.
func (kv *KVStore) Acquire(ctx context.Context) *Conn {
	sq := kv.pool.Get(ctx)
	if sq == nil {
		return nil
	}
	return &Conn{kv: kv, sq: sq}
}

// Release returns the underlying connection to the pool.
func (c *Conn) Release() {
	if c.cursors != 0 {
		c.kv.FatalFn(errors.New("kvstore: released Conn with open cursors"))
	}
	c.kv.pool.Put(c.sq)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	code := sqlite.ErrCode(err)
	return code == sqlite.SQLITE_BUSY || code == sqlite.SQLITE_LOCKED
}

// withRetry runs fn inside a Begin/Commit envelope, retrying the whole
// envelope on a detected deadlock, per spec 4.1. It is used by Store and
// Delete when the caller has no transaction already open.
func (c *Conn) withRetry(fn func() error) error {
	const maxAttempts = 25
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn, err := c.Begin()
		if err != nil {
			if isBusy(err) {
				time.Sleep(time.Millisecond * time.Duration(attempt+1))
				continue
			}
			c.kv.FatalFn(err)
			return err
		}
		if err := fn(); err != nil {
			txn.Abort()
			if isBusy(err) {
				time.Sleep(time.Millisecond * time.Duration(attempt+1))
				continue
			}
			if err == core.ErrNotFound {
				return err
			}
			c.kv.FatalFn(err)
			return err
		}
		if err := txn.Commit(); err != nil {
			if isBusy(err) {
				time.Sleep(time.Millisecond * time.Duration(attempt+1))
				continue
			}
			c.kv.FatalFn(err)
			return err
		}
		return nil
	}
	return core.ErrDeadlock
}

// Txn is an explicit transaction on a Conn. At most one may be open on a
// Conn at a time, and it must not be opened while read cursors are open.
type Txn struct {
	c       *Conn
	release func(*error)
	done    bool
}

// Begin opens a write transaction on c. Callers must close all cursors
// first; violating this, like any of the invariants in spec 5, is a fatal
// error that aborts the process.
func (c *Conn) Begin() (*Txn, error) {
	if c.cursors != 0 {
		err := errors.New("kvstore: Begin called with open cursors")
		c.kv.FatalFn(err)
		return nil, err
	}
	if c.inTxn {
		err := errors.New("kvstore: Begin called with a transaction already open")
		c.kv.FatalFn(err)
		return nil, err
	}
	release := sqlitex.Save(c.sq)
	c.inTxn = true
	return &Txn{c: c, release: release}, nil
}

func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.c.inTxn = false
	var err error
	t.release(&err)
	return err
}

func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	t.c.inTxn = false
	err := errors.New("kvstore: aborted")
	t.release(&err)
	return nil
}

// Store writes value under key in table. If the Conn has no open
// transaction, Store runs in its own retrying Begin/Commit envelope;
// otherwise it executes directly inside the caller's open transaction.
func (c *Conn) Store(table Table, key, value []byte) error {
	if compressedTables[table] {
		var err error
		value, err = compress(value)
		if err != nil {
			return err
		}
	}
	do := func() error { return c.storeRaw(table, key, value) }
	if c.inTxn {
		return do()
	}
	return c.withRetry(do)
}

func (c *Conn) storeRaw(table Table, key, value []byte) error {
	stmt := c.sq.Prep(`INSERT INTO KV (TableID, Key, Value) VALUES ($t, $k, $v)
		ON CONFLICT(TableID, Key) DO UPDATE SET Value = excluded.Value;`)
	stmt.SetInt64("$t", int64(table))
	stmt.SetBytes("$k", key)
	stmt.SetBytes("$v", value)
	_, err := stmt.Step()
	return err
}

// Fetch reads the value stored under key in table. It returns
// core.ErrNotFound if no such key exists.
func (c *Conn) Fetch(table Table, key []byte) ([]byte, error) {
	stmt := c.sq.Prep(`SELECT Value FROM KV WHERE TableID = $t AND Key = $k;`)
	stmt.SetInt64("$t", int64(table))
	stmt.SetBytes("$k", key)
	hasRow, err := stmt.Step()
	if err != nil {
		if isBusy(err) {
			return nil, core.ErrDeadlock
		}
		c.kv.FatalFn(err)
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, core.ErrNotFound
	}
	value, err := io.ReadAll(stmt.GetReader("Value"))
	stmt.Reset()
	if err != nil {
		return nil, err
	}

	if compressedTables[table] {
		return decompress(value)
	}
	return value, nil
}

// Delete removes key from table. It returns core.ErrNotFound if absent.
func (c *Conn) Delete(table Table, key []byte) error {
	do := func() error {
		stmt := c.sq.Prep(`DELETE FROM KV WHERE TableID = $t AND Key = $k;`)
		stmt.SetInt64("$t", int64(table))
		stmt.SetBytes("$k", key)
		if _, err := stmt.Step(); err != nil {
			return err
		}
		if c.sq.Changes() == 0 {
			return core.ErrNotFound
		}
		return nil
	}
	if c.inTxn {
		return do()
	}
	return c.withRetry(do)
}

// Truncate removes every key in table.
func (c *Conn) Truncate(table Table) error {
	do := func() error {
		stmt := c.sq.Prep(`DELETE FROM KV WHERE TableID = $t;`)
		stmt.SetInt64("$t", int64(table))
		_, err := stmt.Step()
		return err
	}
	if c.inTxn {
		return do()
	}
	return c.withRetry(do)
}

// Cursor iterates over every key in a table, in ascending byte order.
// At most one write transaction and any number of cursors may be open on
// a Conn at once, but all cursors must be closed before a write
// transaction is begun.
type Cursor struct {
	c     *Conn
	stmt  *sqlite.Stmt
	table Table
}

// OpenCursor begins a forward scan over table.
func (c *Conn) OpenCursor(table Table) (*Cursor, error) {
	stmt := c.sq.Prep(`SELECT Key, Value FROM KV WHERE TableID = $t ORDER BY Key;`)
	stmt.SetInt64("$t", int64(table))
	c.cursors++
	return &Cursor{c: c, stmt: stmt, table: table}, nil
}

// NextItem advances the cursor and returns the next key/value pair.
// ok is false once the scan is exhausted.
func (cur *Cursor) NextItem() (key, value []byte, ok bool, err error) {
	hasRow, err := cur.stmt.Step()
	if err != nil {
		return nil, nil, false, err
	}
	if !hasRow {
		return nil, nil, false, nil
	}
	key, err = io.ReadAll(cur.stmt.GetReader("Key"))
	if err != nil {
		return nil, nil, false, err
	}
	value, err = io.ReadAll(cur.stmt.GetReader("Value"))
	if err != nil {
		return nil, nil, false, err
	}

	if compressedTables[cur.table] {
		value, err = decompress(value)
		if err != nil {
			return nil, nil, false, err
		}
	}
	return key, value, true, nil
}

// Close ends the scan and frees the prepared statement.
func (cur *Cursor) Close() error {
	cur.c.cursors--
	return cur.stmt.Reset()
}

const compressMagic = "CZ1\x00"

// compress prefixes the deflated payload with a magic marker and a
// {uncompressed_len, compressed_len} header, per spec 4.1. Fetch detects
// the magic and inflates; anything without it is stored/returned verbatim
// by tables that aren't in compressedTables.
func compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressMagic)+16+buf.Len())
	out = append(out, compressMagic...)
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(len(value)))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(buf.Len()))
	out = append(out, hdr[:]...)
	out = append(out, buf.Bytes()...)
	return out, nil
}

func decompress(value []byte) ([]byte, error) {
	if len(value) < len(compressMagic)+16 || string(value[:len(compressMagic)]) != compressMagic {
		// Not compressed (or written before compression was enabled);
		// return verbatim, matching the spec's tolerant Fetch behavior.
		return value, nil
	}
	hdr := value[len(compressMagic) : len(compressMagic)+16]
	uncompressedLen := binary.BigEndian.Uint64(hdr[0:8])
	compressedLen := binary.BigEndian.Uint64(hdr[8:16])
	payload := value[len(compressMagic)+16:]
	if uint64(len(payload)) != compressedLen {
		return nil, fmt.Errorf("kvstore: compressed payload length mismatch: got %d want %d", len(payload), compressedLen)
	}
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	out := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
