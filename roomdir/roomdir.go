// Package roomdir is Citadel's room/floor directory: room and floor CRUD,
// per-user visit records, access checks, and the Goto status bundle
// protocol modules return after a client enters a room.
package roomdir

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

// Default-view values, per spec 3.
const (
	ViewBBS = iota
	ViewMailbox
	ViewCalendar
	ViewTasks
	ViewAddressBook
	ViewWiki
	ViewJournal
	ViewNotes
	ViewQueue
)

// Room flag bits.
const (
	QRPrivate uint32 = 1 << iota
	QRPasswd
	QRGuessName
	QRDirectory
	QRMailbox
	QRSystem
)

// Room is one record of the Rooms table.
type Room struct {
	Name       string
	Password   string
	RoomAide   int64
	Highest    int64
	Generation int32
	Flags      uint32
	FloorID    int32
	DefaultView int32
	PictureMsg int64
	MTime      int64
	// OwnerUserNum is the owning user's number for a QRMailbox room, 0
	// for any other room.
	OwnerUserNum int64
}

func roomKey(name string) []byte { return []byte(strings.ToLower(name)) }

// Message expiry policies a Floor applies to its rooms, per spec 4.10's
// "expire messages by per-room policy: inherit / manual / keep-N-newest
// / age-out".
const (
	ExpireInherit int32 = iota
	ExpireManual
	ExpireKeepNewest
	ExpireAge
)

// Floor is one record of the FloorTab table.
type Floor struct {
	ID           int32
	Name         string
	Flags        uint32
	RefCount     int32
	ExpirePolicy int32
	// ExpireValue is the policy parameter: a message count for
	// ExpireKeepNewest, a day count for ExpireAge, unused otherwise.
	ExpireValue int32
}

func floorKey(id int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(id))
	return k[:]
}

// Visit is the per-user/per-room state of the Visit table.
type Visit struct {
	RoomNum  int64
	RoomGen  int32
	UserNum  int64
	LastSeen int64
	SeenSet  string
	AnsweredSet string
	ViewOverride int32
	HasViewOverride bool
	Forgotten bool
	LockedOut bool
	ExplicitGrant bool
}

func visitKey(roomNum int64, roomGen int32, userNum int64) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[0:8], uint64(roomNum))
	binary.BigEndian.PutUint32(k[8:12], uint32(roomGen))
	binary.BigEndian.PutUint32(k[12:16], uint32(userNum))
	return k[:]
}

// Dir is the handle other subsystems use to read and write rooms, floors,
// and visits.
type Dir struct {
	conn *kvstore.Conn
	Logf core.Logf
}

func New(conn *kvstore.Conn) *Dir {
	return &Dir{conn: conn, Logf: func(string, ...interface{}) {}}
}

// ErrAlreadyExists is returned by CtdlCreateRoom when a room of that name
// is already present.
var ErrAlreadyExists = &core.UserError{UserMsg: "A room by that name already exists."}

// nextRoomNum allocates a globally unique room number from a monotonic
// counter. Room numbers are stored in the Rooms-table key space under a
// reserved sentinel key so no separate table is needed.
var roomNumCounterKey = []byte("\x00__next_room_num")

func (d *Dir) nextRoomNum() (int64, error) {
	raw, err := d.conn.Fetch(kvstore.TableRooms, roomNumCounterKey)
	var n int64
	if err == nil {
		n = int64(binary.BigEndian.Uint64(raw))
	} else if err != core.ErrNotFound {
		return 0, err
	}
	n++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	if err := d.conn.Store(kvstore.TableRooms, roomNumCounterKey, buf[:]); err != nil {
		return 0, err
	}
	return n, nil
}

// roomRecord is the JSON-encoded value stored under a room's key; it
// carries RoomNum alongside the public Room fields since Rooms is keyed
// by name, not number.
type roomRecord struct {
	Room
	RoomNum int64
}

// CtdlCreateRoom creates a room only if it does not already exist.
func (d *Dir) CtdlCreateRoom(name string, flags uint32, password string, floor int32, defaultView int32) (int64, error) {
	if _, err := d.conn.Fetch(kvstore.TableRooms, roomKey(name)); err == nil {
		return 0, ErrAlreadyExists
	} else if err != core.ErrNotFound {
		return 0, err
	}

	num, err := d.nextRoomNum()
	if err != nil {
		return 0, err
	}
	rr := roomRecord{
		Room: Room{
			Name: name, Password: password, Flags: flags,
			FloorID: floor, DefaultView: defaultView, Generation: 1,
		},
		RoomNum: num,
	}
	raw, err := json.Marshal(rr)
	if err != nil {
		return 0, err
	}
	if err := d.conn.Store(kvstore.TableRooms, roomKey(name), raw); err != nil {
		return 0, err
	}
	if err := d.bumpFloorRefCount(floor, 1); err != nil {
		return 0, err
	}
	return num, nil
}

// CtdlGetRoom fetches a room by name.
func (d *Dir) CtdlGetRoom(name string) (*Room, int64, error) {
	raw, err := d.conn.Fetch(kvstore.TableRooms, roomKey(name))
	if err != nil {
		return nil, 0, err
	}
	var rr roomRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, 0, err
	}
	return &rr.Room, rr.RoomNum, nil
}

// CtdlPutRoom writes back a room record under the given name and number.
// Callers needing read-modify-write atomicity should run CtdlGetRoom and
// CtdlPutRoom inside an explicit kvstore.Txn; the spec's single-writer
// guarantee (S_ROOMS) is provided by the caller holding that transaction.
func (d *Dir) CtdlPutRoom(name string, roomNum int64, r *Room) error {
	rr := roomRecord{Room: *r, RoomNum: roomNum}
	raw, err := json.Marshal(rr)
	if err != nil {
		return err
	}
	return d.conn.Store(kvstore.TableRooms, roomKey(name), raw)
}

func (d *Dir) bumpFloorRefCount(floorID int32, delta int32) error {
	f, err := d.getOrInitFloor(floorID)
	if err != nil {
		return err
	}
	f.RefCount += delta
	return d.putFloor(f)
}

func (d *Dir) getOrInitFloor(id int32) (*Floor, error) {
	raw, err := d.conn.Fetch(kvstore.TableFloorTab, floorKey(id))
	if err == core.ErrNotFound {
		return &Floor{ID: id, Name: fmt.Sprintf("Floor%d", id)}, nil
	}
	if err != nil {
		return nil, err
	}
	var f Floor
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFloor returns floor id, initializing a zero-value record in memory
// (not persisted) if none has been written yet.
func (d *Dir) GetFloor(id int32) (*Floor, error) {
	return d.getOrInitFloor(id)
}

func (d *Dir) putFloor(f *Floor) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return d.conn.Store(kvstore.TableFloorTab, floorKey(f.ID), raw)
}

// RebuildFloorRefCounts recomputes every floor's reference count from
// scratch by walking every room, per spec 4.5's check_ref_counts startup
// step. It walks the Rooms table with its own read cursor, skipping the
// room-number counter key (mirroring userdir's two-phase pattern would be
// overkill here since this only reads).
func (d *Dir) RebuildFloorRefCounts() error {
	cur, err := d.conn.OpenCursor(kvstore.TableRooms)
	if err != nil {
		return err
	}
	counts := make(map[int32]int32)
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		if string(k) == string(roomNumCounterKey) {
			continue
		}
		var rr roomRecord
		if err := json.Unmarshal(v, &rr); err != nil {
			cur.Close()
			return err
		}
		if rr.Flags&QRMailbox != 0 {
			continue
		}
		counts[rr.FloorID]++
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for id, n := range counts {
		f, err := d.getOrInitFloor(id)
		if err != nil {
			return err
		}
		f.RefCount = n
		if err := d.putFloor(f); err != nil {
			return err
		}
	}
	return nil
}

// GotoBundle is the status returned to a client after entering a room.
type GotoBundle struct {
	NewMsgs      int64
	TotalMsgs    int64
	Info         bool
	Flags        uint32
	Highest      int64
	LastSeen     int64
	IsMail       bool
	IsAide       bool
	NewMailCount int64
	Floor        int32
	CurView      int32
	DefView      int32
	IsTrash      bool
	Flags2       uint32
	MTime        int64
}

// Goto computes the GotoBundle for user userNum entering room.
func (d *Dir) Goto(roomName string, userNum int64, msgList []int64, isAide bool) (*GotoBundle, error) {
	r, roomNum, err := d.CtdlGetRoom(roomName)
	if err != nil {
		return nil, err
	}
	v, err := d.getOrInitVisit(roomNum, r.Generation, userNum)
	if err != nil {
		return nil, err
	}

	var newMsgs int64
	for _, m := range msgList {
		if m > v.LastSeen {
			newMsgs++
		}
	}
	view := r.DefaultView
	if v.HasViewOverride {
		view = v.ViewOverride
	}

	return &GotoBundle{
		NewMsgs:   newMsgs,
		TotalMsgs: int64(len(msgList)),
		Flags:     r.Flags,
		Highest:   r.Highest,
		LastSeen:  v.LastSeen,
		IsMail:    r.Flags&QRMailbox != 0,
		IsAide:    isAide,
		Floor:     r.FloorID,
		CurView:   view,
		DefView:   r.DefaultView,
		IsTrash:   false,
		MTime:     r.MTime,
	}, nil
}

func (d *Dir) getOrInitVisit(roomNum int64, roomGen int32, userNum int64) (*Visit, error) {
	raw, err := d.conn.Fetch(kvstore.TableVisit, visitKey(roomNum, roomGen, userNum))
	if err == core.ErrNotFound {
		return &Visit{RoomNum: roomNum, RoomGen: roomGen, UserNum: userNum}, nil
	}
	if err != nil {
		return nil, err
	}
	var v Visit
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PutVisit persists v.
func (d *Dir) PutVisit(v *Visit) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.conn.Store(kvstore.TableVisit, visitKey(v.RoomNum, v.RoomGen, v.UserNum), raw)
}

// DeleteVisitsForUser removes every Visit row for userNum, regardless of
// room, as part of user purge cascade. It scans the whole Visit table
// since keys are {room_num, room_gen, user_num} and there's no secondary
// index by user.
func (d *Dir) DeleteVisitsForUser(userNum int64) error {
	cur, err := d.conn.OpenCursor(kvstore.TableVisit)
	if err != nil {
		return err
	}
	var toDelete [][]byte
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		var visit Visit
		if err := json.Unmarshal(v, &visit); err != nil {
			cur.Close()
			return err
		}
		if visit.UserNum == userNum {
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := d.conn.Delete(kvstore.TableVisit, k); err != nil && err != core.ErrNotFound {
			return err
		}
	}
	return nil
}

// CtdlRoomAccess combines room flags, visit record, and access level to
// decide whether user may enter room.
func (d *Dir) CtdlRoomAccess(roomName string, userNum int64, userAxLevel int, isMailboxOwner bool) (granted bool, defaultView int32, err error) {
	r, roomNum, err := d.CtdlGetRoom(roomName)
	if err != nil {
		return false, 0, err
	}
	if r.Flags&QRMailbox != 0 {
		return isMailboxOwner || userAxLevel >= 6, r.DefaultView, nil
	}
	v, err := d.getOrInitVisit(roomNum, r.Generation, userNum)
	if err != nil {
		return false, 0, err
	}
	if v.LockedOut {
		return false, 0, nil
	}
	if v.ExplicitGrant {
		return true, r.DefaultView, nil
	}
	if r.Flags&QRPrivate != 0 && userAxLevel < 6 {
		return false, 0, nil
	}
	return true, r.DefaultView, nil
}

// RenameResult is the discriminated outcome of Rename.
type RenameResult int

const (
	RenameOK RenameResult = iota
	RenameNotFound
	RenameAlreadyExists
	RenameNonEditable
	RenameInvalidFloor
	RenameAccessDenied
)

// Rename moves a room record to a new name, all-or-nothing.
func (d *Dir) Rename(oldName, newName string) RenameResult {
	r, roomNum, err := d.CtdlGetRoom(oldName)
	if err != nil {
		return RenameNotFound
	}
	if r.Flags&QRSystem != 0 {
		return RenameNonEditable
	}
	if _, err := d.conn.Fetch(kvstore.TableRooms, roomKey(newName)); err == nil {
		return RenameAlreadyExists
	} else if err != core.ErrNotFound {
		return RenameNotFound
	}
	if err := d.conn.Delete(kvstore.TableRooms, roomKey(oldName)); err != nil {
		return RenameNotFound
	}
	if err := d.CtdlPutRoom(newName, roomNum, r); err != nil {
		return RenameNotFound
	}
	return RenameOK
}

// EnsureSystemRoom returns the room number of name, creating it as a
// hidden system room on floor 0 if it does not already exist. Used for
// the Aide room and the SMTP outbound spool room, both of which must
// exist before anything can post to them.
func (d *Dir) EnsureSystemRoom(name string) (int64, error) {
	_, num, err := d.CtdlGetRoom(name)
	if err == nil {
		return num, nil
	}
	if err != core.ErrNotFound {
		return 0, err
	}
	return d.CtdlCreateRoom(name, QRSystem, "", 0, ViewBBS)
}

// ForEachRoom implements the same two-phase cursor-then-callback
// iteration as userdir.ForEachUser, so fn may delete or rewrite rooms
// without holding the cursor open. Used by the auto-purger's room and
// orphan-visit passes.
func (d *Dir) ForEachRoom(fn func(name string, roomNum int64, r *Room) error) error {
	cur, err := d.conn.OpenCursor(kvstore.TableRooms)
	if err != nil {
		return err
	}
	type entry struct {
		key []byte
		rr  roomRecord
	}
	var entries []entry
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		if string(k) == string(roomNumCounterKey) {
			continue
		}
		var rr roomRecord
		if err := json.Unmarshal(v, &rr); err != nil {
			cur.Close()
			return err
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		entries = append(entries, entry{key: kc, rr: rr})
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := d.conn.Fetch(kvstore.TableRooms, e.key); err == core.ErrNotFound {
			continue
		}
		if err := fn(e.rr.Name, e.rr.RoomNum, &e.rr.Room); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRoom removes a room's directory entry and releases its floor's
// reference count. It does not touch messages, visits, or netconfigs;
// callers cascade those separately (the auto-purger's visit pass cleans
// up orphaned Visit rows after rooms are gone).
func (d *Dir) DeleteRoom(name string) error {
	r, _, err := d.CtdlGetRoom(name)
	if err != nil {
		return err
	}
	if err := d.conn.Delete(kvstore.TableRooms, roomKey(name)); err != nil {
		return err
	}
	return d.bumpFloorRefCount(r.FloorID, -1)
}

// ForEachVisit implements the same two-phase iteration over the Visit
// table as DeleteVisitsForUser, but exposes every record to fn instead
// of filtering by user, for the auto-purger's orphaned-visit pass.
func (d *Dir) ForEachVisit(fn func(v *Visit) error) error {
	cur, err := d.conn.OpenCursor(kvstore.TableVisit)
	if err != nil {
		return err
	}
	var visits []Visit
	for {
		_, v, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		var visit Visit
		if err := json.Unmarshal(v, &visit); err != nil {
			cur.Close()
			return err
		}
		visits = append(visits, visit)
	}
	if err := cur.Close(); err != nil {
		return err
	}
	for _, v := range visits {
		if err := fn(&v); err != nil {
			return err
		}
	}
	return nil
}

// DeleteVisit removes one Visit row outright, per the auto-purger's
// orphan pass.
func (d *Dir) DeleteVisit(v *Visit) error {
	err := d.conn.Delete(kvstore.TableVisit, visitKey(v.RoomNum, v.RoomGen, v.UserNum))
	if err == core.ErrNotFound {
		return nil
	}
	return err
}
