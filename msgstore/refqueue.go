package msgstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"crawshaw.io/iox"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

// refqueue entries are {msgnum:int64, delta:int32}.
const refqueueEntrySize = 8 + 4

// RefQueue is the on-disk append-only refcount delta log described in
// spec 3: writers append {msgnum, delta} pairs; a single-threaded reducer
// drains the log and applies net deltas to a small per-message refcount
// kept alongside the message, deleting a message from MsgMain/BigMsgs
// once its refcount reaches zero.
type RefQueue struct {
	mu   sync.Mutex
	file *os.File
	filer *iox.Filer
	Logf core.Logf
}

// OpenRefQueue opens (creating if absent) the append-only log at path.
func OpenRefQueue(path string) (*RefQueue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("msgstore: open refqueue: %v", err)
	}
	return &RefQueue{
		file:  f,
		filer: iox.NewFiler(0),
		Logf:  func(string, ...interface{}) {},
	}, nil
}

func (q *RefQueue) Close() error {
	return q.file.Close()
}

// Enqueue appends one {msgnum, delta} entry. The entry is staged in a
// Filer-backed buffer before being copied to the log, the same
// stage-then-flush shape the teacher uses for message bodies (crawshaw.io/
// iox), generalized here to a small fixed-size record instead of an
// email body.
func (q *RefQueue) Enqueue(msgNum int64, delta int32) error {
	buf := q.filer.BufferFile(0)
	defer buf.Close()

	var rec [refqueueEntrySize]byte
	binary.BigEndian.PutUint64(rec[0:8], uint64(msgNum))
	binary.BigEndian.PutUint32(rec[8:12], uint32(delta))
	if _, err := buf.Write(rec[:]); err != nil {
		return err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := io.Copy(q.file, buf)
	return err
}

// refcountKey stores a message's live refcount as a Config-table-style
// entry in the same KVStore, keyed by msgnum, in the MsgMain table under
// a distinguishing prefix byte so it never collides with a message body
// key (message keys are always exactly 8 bytes).
func refcountKey(msgNum int64) []byte {
	k := make([]byte, 9)
	k[0] = 'r'
	binary.BigEndian.PutUint64(k[1:], uint64(msgNum))
	return k
}

// Drain applies every pending entry in the log to per-message refcounts,
// deleting any message whose refcount reaches zero, then truncates the
// log. It is meant to run on a single goroutine (Housekeeping's timer
// loop), matching the spec's "single-threaded reducer".
func (q *RefQueue) Drain(conn *kvstore.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	deltas := make(map[int64]int32)
	var rec [refqueueEntrySize]byte
	for {
		_, err := io.ReadFull(q.file, rec[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("msgstore: refqueue read: %v", err)
		}
		msgNum := int64(binary.BigEndian.Uint64(rec[0:8]))
		delta := int32(binary.BigEndian.Uint32(rec[8:12]))
		deltas[msgNum] += delta
	}

	for msgNum, delta := range deltas {
		count, err := q.applyDelta(conn, msgNum, delta)
		if err != nil {
			return err
		}
		if count <= 0 {
			if err := conn.Delete(kvstore.TableMsgMain, msgNumKey(msgNum)); err != nil && err != core.ErrNotFound {
				return err
			}
			if err := conn.Delete(kvstore.TableBigMsgs, msgNumKey(msgNum)); err != nil && err != core.ErrNotFound {
				return err
			}
			if err := conn.Delete(kvstore.TableMsgMain, refcountKey(msgNum)); err != nil && err != core.ErrNotFound {
				return err
			}
		}
	}

	if err := q.file.Truncate(0); err != nil {
		return err
	}
	_, err := q.file.Seek(0, io.SeekStart)
	return err
}

func (q *RefQueue) applyDelta(conn *kvstore.Conn, msgNum int64, delta int32) (int32, error) {
	raw, err := conn.Fetch(kvstore.TableMsgMain, refcountKey(msgNum))
	var count int32
	if err == nil {
		count = int32(binary.BigEndian.Uint32(raw))
	} else if err != core.ErrNotFound {
		return 0, err
	}
	count += delta
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if err := conn.Store(kvstore.TableMsgMain, refcountKey(msgNum), buf[:]); err != nil {
		return 0, err
	}
	return count, nil
}
