// Package userdir is Citadel's user directory: normalized-key User
// records in the KVStore, plus the UsersByNumber reverse index.
package userdir

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

// Access levels, per spec 3.
const (
	AxDeleted     = 0
	AxNewUser     = 1
	AxProblemUser = 2
	AxLocal       = 3
	AxNetUser     = 4
	AxPreferred   = 5
	AxAide        = 6
)

// User is one record of the Users table.
type User struct {
	FullName      string
	UserNum       int64
	AxLevel       int
	Flags         uint32
	TimesCalled   int32
	Posts         int32
	LastCall      int64 // unix seconds
	HostOSUID     int32 // -1 if unset
	Password      string
	PurgeDays     int32 // 0 means use c_usrexpire_days
	BioMsgNum     int64
	AvatarMsgNum  int64
	InboxRulesNum int64
	EmailAddrs    []string // first entry is canonical
	Revision      int32
}

// CanonicalEmail returns the first entry of EmailAddrs, or "" if none.
func (u *User) CanonicalEmail() string {
	if len(u.EmailAddrs) == 0 {
		return ""
	}
	return u.EmailAddrs[0]
}

// MakeUserKey normalizes a display name into the primary key used for
// Users lookups: lowercased, with every non-alphanumeric byte removed.
// It must be applied identically on write and on lookup.
func MakeUserKey(fullName string) string {
	var b strings.Builder
	b.Grow(len(fullName))
	for _, r := range strings.ToLower(fullName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func numberKey(num int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(num))
	return k[:]
}

// Dir is the handle other subsystems use to read and write Users.
type Dir struct {
	conn *kvstore.Conn
	Logf core.Logf
}

func New(conn *kvstore.Conn) *Dir {
	return &Dir{conn: conn, Logf: func(string, ...interface{}) {}}
}

func encode(u *User) ([]byte, error) { return json.Marshal(u) }
func decode(raw []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// userNumCounterKey is a reserved sentinel key in the Users table's key
// space, the same trick roomdir uses to allocate room numbers without a
// dedicated counter table.
var userNumCounterKey = []byte("\x00__next_user_num")

// NextUserNum allocates a globally unique, never-recycled user number.
func (d *Dir) NextUserNum() (int64, error) {
	raw, err := d.conn.Fetch(kvstore.TableUsers, userNumCounterKey)
	var n int64
	if err == nil {
		n = int64(binary.BigEndian.Uint64(raw))
	} else if err != core.ErrNotFound {
		return 0, err
	}
	n++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	if err := d.conn.Store(kvstore.TableUsers, userNumCounterKey, buf[:]); err != nil {
		return 0, err
	}
	return n, nil
}

// ErrAlreadyExists is returned by CreateUser, and by Rename for newName,
// when the normalized key is already taken (mirroring roomdir.Rename's
// existence check).
var ErrAlreadyExists = &core.UserError{UserMsg: "A user by that name already exists."}

// CreateUser allocates a user number and writes a new User record for
// fullName at the configured initial access level, per the USER/PASS
// login protocol's "propose a User record" step (spec 4.3).
func (d *Dir) CreateUser(fullName string, initAx int) (*User, error) {
	if _, err := d.conn.Fetch(kvstore.TableUsers, []byte(MakeUserKey(fullName))); err == nil {
		return nil, ErrAlreadyExists
	} else if err != core.ErrNotFound {
		return nil, err
	}
	num, err := d.NextUserNum()
	if err != nil {
		return nil, err
	}
	u := &User{FullName: fullName, UserNum: num, AxLevel: initAx, HostOSUID: -1}
	if err := d.CtdlPutUser(u, 1); err != nil {
		return nil, err
	}
	return u, nil
}

// CtdlGetUser fetches a user record by display name.
func (d *Dir) CtdlGetUser(name string) (*User, error) {
	raw, err := d.conn.Fetch(kvstore.TableUsers, []byte(MakeUserKey(name)))
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// CtdlGetUserByNumber dereferences a user via the UsersByNumber reverse
// index, then fetches the forward record.
func (d *Dir) CtdlGetUserByNumber(num int64) (*User, error) {
	nameRaw, err := d.conn.Fetch(kvstore.TableUsersByNumber, numberKey(num))
	if err != nil {
		return nil, err
	}
	raw, err := d.conn.Fetch(kvstore.TableUsers, []byte(MakeUserKey(string(nameRaw))))
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// CtdlPutUser stamps the current revision onto u and writes both the
// forward record and, if UserNum is set, the reverse index.
func (d *Dir) CtdlPutUser(u *User, revision int32) error {
	u.Revision = revision
	raw, err := encode(u)
	if err != nil {
		return err
	}
	if err := d.conn.Store(kvstore.TableUsers, []byte(MakeUserKey(u.FullName)), raw); err != nil {
		return err
	}
	if u.UserNum != 0 {
		if err := d.conn.Store(kvstore.TableUsersByNumber, numberKey(u.UserNum), []byte(u.FullName)); err != nil {
			return err
		}
	}
	return nil
}

// ErrLoggedIn is returned by Rename when the subject is currently logged
// in; callers must force the session out first.
var ErrLoggedIn = &core.UserError{UserMsg: "cannot rename a user who is logged in"}

// ErrSystemUser is returned by Rename for user number 0.
var ErrSystemUser = &core.UserError{UserMsg: "the system user cannot be renamed"}

// Rename moves a user's forward record to a new key and updates the
// reverse index. isLoggedIn reports whether the subject currently has an
// active session; callers supply it since Dir has no session knowledge.
func (d *Dir) Rename(oldName, newName string, isLoggedIn func(userNum int64) bool) error {
	u, err := d.CtdlGetUser(oldName)
	if err != nil {
		return err
	}
	if u.UserNum == 0 {
		return ErrSystemUser
	}
	if isLoggedIn(u.UserNum) {
		return ErrLoggedIn
	}
	if _, err := d.CtdlGetUser(newName); err == nil {
		return ErrAlreadyExists
	} else if err != core.ErrNotFound {
		return err
	}
	if err := d.conn.Delete(kvstore.TableUsers, []byte(MakeUserKey(oldName))); err != nil {
		return err
	}
	u.FullName = newName
	return d.CtdlPutUser(u, u.Revision)
}

// ForEachUser implements the mandatory two-phase iteration: phase 1 walks
// a read cursor collecting every key into memory and closes it, then
// phase 2 invokes fn once per user. This lets fn issue writes (including
// deletes and renames) without holding the cursor open, which the spec
// requires since callbacks commonly do exactly that.
func (d *Dir) ForEachUser(fn func(u *User) error) error {
	cur, err := d.conn.OpenCursor(kvstore.TableUsers)
	if err != nil {
		return err
	}
	var keys [][]byte
	for {
		k, _, ok, err := cur.NextItem()
		if err != nil {
			cur.Close()
			return err
		}
		if !ok {
			break
		}
		if string(k) == string(userNumCounterKey) {
			continue
		}
		keys = append(keys, k)
	}
	if err := cur.Close(); err != nil {
		return err
	}

	for _, k := range keys {
		raw, err := d.conn.Fetch(kvstore.TableUsers, k)
		if err == core.ErrNotFound {
			// Deleted by an earlier callback in this same pass.
			continue
		}
		if err != nil {
			return err
		}
		u, err := decode(raw)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

// PurgeHook is invoked once a user record is actually removed.
type PurgeHook func(u *User)

// Purge removes a user. If the user is logged in, it is soft-deleted
// (AxLevel set to AxDeleted) instead; hard removal happens on a later
// purge pass once the user is offline. Hard removal cascades: every
// Visit row for the user's number, the reverse index, and the forward
// record, then fires hook.
func (d *Dir) Purge(name string, isLoggedIn func(userNum int64) bool, deleteVisits func(userNum int64) error, hook PurgeHook) error {
	u, err := d.CtdlGetUser(name)
	if err != nil {
		return err
	}
	if isLoggedIn(u.UserNum) {
		u.AxLevel = AxDeleted
		return d.CtdlPutUser(u, u.Revision)
	}

	if err := deleteVisits(u.UserNum); err != nil {
		return err
	}
	if err := d.conn.Delete(kvstore.TableUsersByNumber, numberKey(u.UserNum)); err != nil && err != core.ErrNotFound {
		return err
	}
	if err := d.conn.Delete(kvstore.TableUsers, []byte(MakeUserKey(u.FullName))); err != nil {
		return err
	}
	if hook != nil {
		hook(u)
	}
	return nil
}

// EnsureMailAddress assigns an auto-generated mail address to u if it has
// none, per spec 4.4. Called from the login path.
func (d *Dir) EnsureMailAddress(u *User, fqdn string) bool {
	if len(u.EmailAddrs) > 0 {
		return false
	}
	u.EmailAddrs = []string{MakeUserKey(u.FullName) + "@" + fqdn}
	return true
}
