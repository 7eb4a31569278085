package msgstore

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

func msgNumKey(n int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(n))
	return k[:]
}

func roomListKey(roomNum int64) []byte { return msgNumKey(roomNum) }

func euidKey(roomNum int64, euid string) []byte {
	k := make([]byte, 8+len(euid))
	binary.BigEndian.PutUint64(k[:8], uint64(roomNum))
	copy(k[8:], euid)
	return k
}

// RoomTarget is one destination of a submitted message: a room to append
// to, and optionally a euid for replace-by-id semantics.
type RoomTarget struct {
	RoomNum int64
	Euid    string // empty if the room has no euid semantics
}

// BeforeSaveHook runs before a message is written; any non-nil error
// aborts the submission entirely.
type BeforeSaveHook func(m *Message) error

// AfterSaveHook runs once a message and its room references are
// committed (SMTP queue generation, journaling, etc).
type AfterSaveHook func(m *Message, targets []RoomTarget)

// Store is the handle protocol modules use to submit, fetch, and delete
// messages.
type Store struct {
	conn    *kvstore.Conn
	cfg     *config.Store
	RefQueue *RefQueue
	Logf    core.Logf

	BeforeSave []BeforeSaveHook
	AfterSave  []AfterSaveHook
}

func New(conn *kvstore.Conn, cfg *config.Store, rq *RefQueue) *Store {
	return &Store{conn: conn, cfg: cfg, RefQueue: rq, Logf: func(string, ...interface{}) {}}
}

// GetNewMsgNumber allocates the next message number from the monotonic
// counter persisted in Config. Numbers never recycle or go backwards.
func (s *Store) GetNewMsgNumber() (int64, error) {
	n := s.cfg.GetLong("c_next_msgnum")
	if err := s.cfg.PutLong("c_next_msgnum", n+1); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) loadMsgList(roomNum int64) ([]int64, error) {
	raw, err := s.conn.Fetch(kvstore.TableMsgLists, roomListKey(roomNum))
	if err == core.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	list := make([]int64, len(raw)/8)
	for i := range list {
		list[i] = int64(binary.BigEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return list, nil
}

func (s *Store) saveMsgList(roomNum int64, list []int64) error {
	raw := make([]byte, len(list)*8)
	for i, n := range list {
		binary.BigEndian.PutUint64(raw[i*8:i*8+8], uint64(n))
	}
	return s.conn.Store(kvstore.TableMsgLists, roomListKey(roomNum), raw)
}

// CtdlSubmitMsg is the single entry point for delivering m to targets.
// It runs BeforeSave hooks, writes MsgMain (splitting the body to BigMsgs
// if needed), appends to each target room's message list, enqueues a +1
// refcount delta per reference, replaces any older message sharing a
// euid, and finally runs AfterSave hooks.
func (s *Store) CtdlSubmitMsg(m *Message, targets []RoomTarget) (int64, error) {
	for _, hook := range s.BeforeSave {
		if err := hook(m); err != nil {
			return 0, err
		}
	}

	msgNum, err := s.GetNewMsgNumber()
	if err != nil {
		return 0, err
	}
	m.MsgNum = msgNum

	mainRecord, overflow := Encode(m)
	if err := s.conn.Store(kvstore.TableMsgMain, msgNumKey(msgNum), mainRecord); err != nil {
		return 0, err
	}
	if overflow != nil {
		if err := s.conn.Store(kvstore.TableBigMsgs, msgNumKey(msgNum), overflow); err != nil {
			return 0, err
		}
	}

	seenRooms := make(map[int64]bool, len(targets))
	for _, t := range targets {
		if seenRooms[t.RoomNum] {
			continue
		}
		seenRooms[t.RoomNum] = true

		list, err := s.loadMsgList(t.RoomNum)
		if err != nil {
			return 0, err
		}
		list = append(list, msgNum)
		if err := s.saveMsgList(t.RoomNum, list); err != nil {
			return 0, err
		}
		if err := s.RefQueue.Enqueue(msgNum, 1); err != nil {
			return 0, err
		}

		if t.Euid != "" {
			oldRaw, err := s.conn.Fetch(kvstore.TableEuidIndex, euidKey(t.RoomNum, t.Euid))
			if err != nil && err != core.ErrNotFound {
				return 0, err
			}
			if err == nil {
				oldMsgNum := int64(binary.BigEndian.Uint64(oldRaw))
				if err := s.CtdlDeleteMessages(t.RoomNum, []int64{oldMsgNum}); err != nil {
					return 0, err
				}
			}
			if err := s.conn.Store(kvstore.TableEuidIndex, euidKey(t.RoomNum, t.Euid), msgNumKey(msgNum)); err != nil {
				return 0, err
			}
		}
	}

	for _, hook := range s.AfterSave {
		hook(m, targets)
	}
	return msgNum, nil
}

// CtdlDeleteMessages removes msgnums from room's message list and
// enqueues a -1 refcount delta per removal.
func (s *Store) CtdlDeleteMessages(roomNum int64, msgNums []int64) error {
	remove := make(map[int64]bool, len(msgNums))
	for _, n := range msgNums {
		remove[n] = true
	}
	list, err := s.loadMsgList(roomNum)
	if err != nil {
		return err
	}
	var kept, removed []int64
	for _, n := range list {
		if remove[n] {
			removed = append(removed, n)
			continue
		}
		kept = append(kept, n)
	}
	if err := s.saveMsgList(roomNum, kept); err != nil {
		return err
	}
	for _, n := range removed {
		if err := s.RefQueue.Enqueue(n, -1); err != nil {
			return err
		}
	}
	return nil
}

// CtdlFetchMessage returns the decoded field map for msgNum. If
// withBody is false, BigMsgs is never consulted even if the message
// overflowed, saving the read.
func (s *Store) CtdlFetchMessage(msgNum int64, withBody bool) (*Message, error) {
	raw, err := s.conn.Fetch(kvstore.TableMsgMain, msgNumKey(msgNum))
	if err != nil {
		return nil, err
	}
	m, overflowed, err := Decode(msgNum, raw)
	if err != nil {
		return nil, err
	}
	if overflowed && withBody {
		body, err := s.conn.Fetch(kvstore.TableBigMsgs, msgNumKey(msgNum))
		if err != nil {
			return nil, err
		}
		m.BigBody = body
	}
	return m, nil
}

// LocateMessageByUID resolves euid to a msgnum via EuidIndex, falling
// back to stripping a trailing ".ics" once to tolerate one misbehaving
// calendar client, per spec 4.6. It returns -1 if no entry matches.
func (s *Store) LocateMessageByUID(roomNum int64, euid string) (int64, error) {
	raw, err := s.conn.Fetch(kvstore.TableEuidIndex, euidKey(roomNum, euid))
	if err == nil {
		return int64(binary.BigEndian.Uint64(raw)), nil
	}
	if err != core.ErrNotFound {
		return -1, err
	}
	const icsSuffix = ".ics"
	if len(euid) > len(icsSuffix) && euid[len(euid)-len(icsSuffix):] == icsSuffix {
		stripped := euid[:len(euid)-len(icsSuffix)]
		raw, err := s.conn.Fetch(kvstore.TableEuidIndex, euidKey(roomNum, stripped))
		if err == nil {
			return int64(binary.BigEndian.Uint64(raw)), nil
		}
		if err != core.ErrNotFound {
			return -1, err
		}
	}
	return -1, nil
}

// ListRoomMessages returns the message numbers currently in roomNum's
// list, oldest first, for callers implementing per-room expiry policy.
func (s *Store) ListRoomMessages(roomNum int64) ([]int64, error) {
	return s.loadMsgList(roomNum)
}

// ExpireRoomByCount keeps only the keepNewest highest message numbers in
// roomNum and deletes the rest, per spec 4.10's "keep-N-newest" room
// expiry policy.
func (s *Store) ExpireRoomByCount(roomNum int64, keepNewest int) error {
	list, err := s.loadMsgList(roomNum)
	if err != nil {
		return err
	}
	if len(list) <= keepNewest {
		return nil
	}
	stale := append([]int64(nil), list[:len(list)-keepNewest]...)
	return s.CtdlDeleteMessages(roomNum, stale)
}

// ExpireRoomByAge deletes every message in roomNum whose T (timestamp)
// field parses to a value older than cutoffUnix, per spec 4.10's
// "age-out" room expiry policy. Messages with a missing or unparsable
// timestamp are left alone rather than guessed at.
func (s *Store) ExpireRoomByAge(roomNum int64, cutoffUnix int64) error {
	list, err := s.loadMsgList(roomNum)
	if err != nil {
		return err
	}
	var stale []int64
	for _, n := range list {
		m, err := s.CtdlFetchMessage(n, false)
		if err != nil {
			continue
		}
		ts, ok := m.Get(TagTimestamp)
		if !ok {
			continue
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		if sec < cutoffUnix {
			stale = append(stale, n)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.CtdlDeleteMessages(roomNum, stale)
}

// PurgeEuidIndexOrphans removes EuidIndex entries whose target message
// no longer exists in MsgMain, per spec 4.10 step 6.
func (s *Store) PurgeEuidIndexOrphans() error {
	cur, err := s.conn.OpenCursor(kvstore.TableEuidIndex)
	if err != nil {
		return err
	}
	type orphan struct {
		key []byte
	}
	var orphans []orphan
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		msgNum := int64(binary.BigEndian.Uint64(v))
		if _, err := s.conn.Fetch(kvstore.TableMsgMain, msgNumKey(msgNum)); err == core.ErrNotFound {
			kc := make([]byte, len(k))
			copy(kc, k)
			orphans = append(orphans, orphan{key: kc})
		}
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for _, o := range orphans {
		if err := s.conn.Delete(kvstore.TableEuidIndex, o.key); err != nil && err != core.ErrNotFound {
			return err
		}
	}
	return nil
}

// useRecord is the value stored in UseTable.
type useRecord struct {
	Hash      int32
	Timestamp int64
}

// CheckIfAlreadySeen tests and upserts fingerprint atomically: it
// reports whether fingerprint was already recorded, and in either case
// ensures it's recorded with the current timestamp going forward. Dedupes
// retries from RSS/POP/NNTP fetchers.
func (s *Store) CheckIfAlreadySeen(fingerprint []byte, now int64, hash int32) (bool, error) {
	_, err := s.conn.Fetch(kvstore.TableUseTable, fingerprint)
	seen := err == nil
	if err != nil && err != core.ErrNotFound {
		return false, err
	}
	raw, err := json.Marshal(useRecord{Hash: hash, Timestamp: now})
	if err != nil {
		return false, err
	}
	if err := s.conn.Store(kvstore.TableUseTable, fingerprint, raw); err != nil {
		return false, err
	}
	return seen, nil
}

// PurgeUseTableOlderThan removes UseTable entries older than cutoff,
// matching the spec's 10-day retention.
func (s *Store) PurgeUseTableOlderThan(cutoff int64) error {
	cur, err := s.conn.OpenCursor(kvstore.TableUseTable)
	if err != nil {
		return err
	}
	var stale [][]byte
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		var rec useRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			cur.Close()
			return err
		}
		if rec.Timestamp < cutoff {
			kc := make([]byte, len(k))
			copy(kc, k)
			stale = append(stale, kc)
		}
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for _, k := range stale {
		if err := s.conn.Delete(kvstore.TableUseTable, k); err != nil && err != core.ErrNotFound {
			return err
		}
	}
	return nil
}
