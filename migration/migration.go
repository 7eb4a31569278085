// Package migration implements the across-the-wire full-database copy
// described in spec 6 and detailed further in the original server's
// ctdlmigrate/MIGR verb: one source server streams every KV row as a
// text line, with occasional "<progress>NN</progress>" markers, ending
// in a lone "000"; the receiving server reads the same stream and
// commits only once the terminator has been seen, matching the
// original's "must complete at 100% before the receiver commits" rule.
package migration

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

// Terminator ends both the record stream and the progress stream, per
// the original protocol's "000" line.
const Terminator = "000"

// Exporter streams every row of every table on Conn to a Writer.
type Exporter struct {
	Conn *kvstore.Conn
	Logf core.Logf
}

// Export writes one line per KV row as "<table> <hexkey> <hexvalue>",
// with a "<progress>NN</progress>" line after each table finishes, and
// a final "000" terminator line.
func (e *Exporter) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	n := kvstore.NumTables()
	for i := 0; i < n; i++ {
		table := kvstore.Table(i)
		cur, err := e.Conn.OpenCursor(table)
		if err != nil {
			return fmt.Errorf("migration: open cursor on %s: %w", table, err)
		}
		for {
			key, value, ok, err := cur.NextItem()
			if err != nil {
				cur.Close()
				return fmt.Errorf("migration: read %s: %w", table, err)
			}
			if !ok {
				break
			}
			if _, err := fmt.Fprintf(bw, "%d %s %s\n", int(table), hex.EncodeToString(key), hex.EncodeToString(value)); err != nil {
				cur.Close()
				return err
			}
		}
		if err := cur.Close(); err != nil {
			return fmt.Errorf("migration: close cursor on %s: %w", table, err)
		}
		progress := (i + 1) * 100 / n
		if _, err := fmt.Fprintf(bw, "<progress>%d</progress>\n", progress); err != nil {
			return err
		}
		e.logf("migration: exported table %s (%d%%)", table, progress)
	}
	if _, err := fmt.Fprintf(bw, "%s\n", Terminator); err != nil {
		return err
	}
	return bw.Flush()
}

func (e *Exporter) logf(format string, args ...interface{}) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

// Importer reads an Exporter's stream and stores every row into Conn
// inside a single transaction, committing only after the terminator
// arrives — a truncated stream leaves the destination store untouched.
type Importer struct {
	Conn *kvstore.Conn
	Logf core.Logf
}

// Import reads r line by line until the "000" terminator. Non-progress
// lines are parsed as "<table> <hexkey> <hexvalue>" and stored; progress
// lines are logged and otherwise ignored (the receiver doesn't need its
// own percentage, only the sender's console does).
func (im *Importer) Import(r io.Reader) error {
	txn, err := im.Conn.Begin()
	if err != nil {
		return fmt.Errorf("migration: begin import txn: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	records := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == Terminator {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("migration: commit import: %w", err)
			}
			committed = true
			im.logf("migration: import committed, %d records", records)
			return nil
		}
		if strings.HasPrefix(line, "<progress>") {
			im.logf("migration: source reports %s", line)
			continue
		}
		table, key, value, err := parseRecord(line)
		if err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		if err := im.Conn.Store(table, key, value); err != nil {
			return fmt.Errorf("migration: store %s: %w", table, err)
		}
		records++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("migration: reading import stream: %w", err)
	}
	return fmt.Errorf("migration: import stream ended before %q terminator", Terminator)
}

func (im *Importer) logf(format string, args ...interface{}) {
	if im.Logf != nil {
		im.Logf(format, args...)
	}
}

func parseRecord(line string) (kvstore.Table, []byte, []byte, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return 0, nil, nil, fmt.Errorf("malformed record line %q", line)
	}
	tableNum, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("bad table number in %q: %w", line, err)
	}
	key, err := hex.DecodeString(fields[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("bad key hex in %q: %w", line, err)
	}
	value, err := hex.DecodeString(fields[2])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("bad value hex in %q: %w", line, err)
	}
	return kvstore.Table(tableNum), key, value, nil
}
