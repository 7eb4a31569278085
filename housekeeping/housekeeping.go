// Package housekeeping is Citadel's background maintenance loop: the
// per-minute and as-needed hook passes, the once-a-day auto-purger, and
// the crash-restart Aide notice, per spec 4.10.
package housekeeping

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/kvstore"
	"citadel.example/server/msgstore"
	"citadel.example/server/registry"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
)

// stuckThreshold is spec 4.10's "has not run in > 300s, and we are not
// in single-user mode, log a warning" guard.
const stuckThreshold = 5 * time.Minute

// minuteThreshold gates the per-minute block.
const minuteThreshold = 60 * time.Second

// purgeGuard prevents the auto-purger from running twice within 12h even
// if the configured hour is hit more than once (clock skew, restarts).
const purgeGuard = 12 * time.Hour

// useTablePurgeDays is spec 4.10 step 5's fixed 10-day use-table retention.
const useTablePurgeDays = 10

// LDAPSyncFunc, if set, is invoked from the per-minute pass once
// c_ldap_sync_interval has elapsed since the last sync. It is injectable
// so the auth package's directory client stays an optional dependency of
// this package rather than a hard import.
type LDAPSyncFunc func(ctx context.Context) error

// Loop is the process's single housekeeping goroutine. It owns one
// long-lived KVStore connection, matching spec 5's "per-thread state"
// model applied to the supervisor thread.
type Loop struct {
	KV       *kvstore.KVStore
	Reg      *registry.Registry
	Sessions *sessions.Table
	RefQueue *msgstore.RefQueue
	Logf     core.Logf
	FQDN     string

	// LDAPSync is called from the per-minute pass when due; nil disables
	// the check entirely.
	LDAPSync LDAPSyncFunc

	conn  *kvstore.Conn
	cfg   *config.Store
	users *userdir.Dir
	rooms *roomdir.Dir
	msgs  *msgstore.Store

	running  int32 // atomic; guards "only one worker runs the body at a time"
	disabled int32 // atomic

	lastMinute    time.Time
	lastLDAPSync  time.Time
	lastTickEnd   time.Time
	lastPurgeRun  time.Time
}

// NewLoop acquires the loop's dedicated connection and wires the typed
// stores against it.
func NewLoop(kv *kvstore.KVStore, reg *registry.Registry, sessTable *sessions.Table, rq *msgstore.RefQueue, fqdn string) *Loop {
	conn := kv.Acquire(context.Background())
	cfg := config.New(conn)
	l := &Loop{
		KV:       kv,
		Reg:      reg,
		Sessions: sessTable,
		RefQueue: rq,
		Logf:     func(string, ...interface{}) {},
		FQDN:     fqdn,
		conn:     conn,
		cfg:      cfg,
		users:    userdir.New(conn),
		rooms:    roomdir.New(conn),
		msgs:     msgstore.New(conn, cfg, rq),
	}
	return l
}

// Close releases the loop's connection. Callers must stop Run before
// calling Close.
func (l *Loop) Close() {
	l.conn.Release()
}

// Run ticks the housekeeping body every interval until stop is closed.
// A real deployment wants interval in the few-second range so the
// per-minute and as-needed blocks stay close to their nominal cadence
// without a worker pool driving them after every request, per spec 9's
// collapse of per-request housekeeping into one dedicated goroutine.
func (l *Loop) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.Tick(now)
		}
	}
}

// Tick runs one pass of the housekeeping body. It is idempotent to call
// concurrently: a Tick already in flight causes a later call to return
// immediately rather than block, matching spec 4.10's single-runner
// guard.
func (l *Loop) Tick(now time.Time) {
	if atomic.LoadInt32(&l.disabled) != 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&l.running, 0)

	if !l.lastTickEnd.IsZero() && now.Sub(l.lastTickEnd) > stuckThreshold && !l.Sessions.IsSingleUser() {
		l.Logf("housekeeping: tick overdue by %s, is something stuck?", now.Sub(l.lastTickEnd))
	}

	if l.lastMinute.IsZero() || now.Sub(l.lastMinute) > minuteThreshold {
		if err := l.runPerMinute(now); err != nil {
			l.Logf("housekeeping: per-minute pass: %v", err)
		}
		l.lastMinute = now
	}

	if err := l.runAsNeeded(); err != nil {
		l.Logf("housekeeping: as-needed pass: %v", err)
	}

	l.lastTickEnd = now
}

// runPerMinute is spec 4.10's "if it has not run in > 60s" block: check
// KV handles, run Timer hooks, sync LDAP if due, log a memory datapoint.
func (l *Loop) runPerMinute(now time.Time) error {
	if _, err := l.conn.Fetch(kvstore.TableConfig, []byte("c_rev_level")); err != nil && err != core.ErrNotFound {
		return fmt.Errorf("kv handle check: %w", err)
	}

	l.Reg.RunSessionHooks(nil, registry.EvtTimer)

	if l.LDAPSync != nil {
		interval := time.Duration(l.cfg.GetInt("c_ldap_sync_interval")) * time.Second
		if interval > 0 && (l.lastLDAPSync.IsZero() || now.Sub(l.lastLDAPSync) >= interval) {
			if err := l.LDAPSync(context.Background()); err != nil {
				l.Logf("housekeeping: ldap sync: %v", err)
			}
			l.lastLDAPSync = now
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	l.Logf("housekeeping: heap_alloc=%d heap_objects=%d goroutines=%d", mem.HeapAlloc, mem.HeapObjects, runtime.NumGoroutine())

	if now.Hour() == int(l.cfg.GetInt("c_purge_hour")) && (l.lastPurgeRun.IsZero() || now.Sub(l.lastPurgeRun) > purgeGuard) {
		if err := l.AutoPurge(now); err != nil {
			l.Logf("housekeeping: auto-purge: %v", err)
		}
		l.lastPurgeRun = now
	}
	return nil
}

// runAsNeeded is spec 4.10's "always do" block: drain the refcount
// queue and run House hooks.
func (l *Loop) runAsNeeded() error {
	if err := l.RefQueue.Drain(l.conn); err != nil {
		return fmt.Errorf("refqueue drain: %w", err)
	}
	l.Reg.RunSessionHooks(nil, registry.EvtHouse)
	return nil
}

// CtdlDisableHousekeeping blocks until any in-flight Tick completes and
// prevents further ticks from starting, for use by migration and
// shutdown. There is no re-enable: callers that disable the loop are
// expected to be ending the process.
func (l *Loop) CtdlDisableHousekeeping() {
	atomic.StoreInt32(&l.disabled, 1)
	for atomic.LoadInt32(&l.running) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
}

// PurgeReport summarizes one auto-purge pass for the Aide notice.
type PurgeReport struct {
	UsersPurged   int
	UsersCorrupt  []string
	MessagesExpired int
	RoomsPurged   int
	VisitsPurged  int
	UseTableEntriesPurged int
	EuidOrphansPurged int
}

// AutoPurge runs spec 4.10's seven-step daily purge sequence.
func (l *Loop) AutoPurge(now time.Time) error {
	report := &PurgeReport{}

	if err := l.purgeUsers(now, report); err != nil {
		return fmt.Errorf("purge users: %w", err)
	}
	if err := l.expireMessages(now); err != nil {
		return fmt.Errorf("expire messages: %w", err)
	}
	if err := l.purgeRooms(now, report); err != nil {
		return fmt.Errorf("purge rooms: %w", err)
	}
	if err := l.purgeOrphanedVisits(report); err != nil {
		return fmt.Errorf("purge visits: %w", err)
	}
	useCutoff := now.AddDate(0, 0, -useTablePurgeDays).Unix()
	if err := l.msgs.PurgeUseTableOlderThan(useCutoff); err != nil {
		return fmt.Errorf("purge use table: %w", err)
	}
	if err := l.msgs.PurgeEuidIndexOrphans(); err != nil {
		return fmt.Errorf("purge euid index: %w", err)
	}
	if err := l.KV.Compact(); err != nil {
		l.Logf("housekeeping: compact: %v", err)
	}

	l.Logf("housekeeping: auto-purge complete: %+v", report)
	if len(report.UsersCorrupt) > 0 {
		l.postAideReport(report)
	}
	return nil
}

// purgeUsers implements step 1: purge by inactivity, honoring
// per-account overrides, admin exemption, the "deleteme" immediate-purge
// password, and flagging corrupt records instead of touching them.
func (l *Loop) purgeUsers(now time.Time, report *PurgeReport) error {
	globalDays := int64(l.cfg.GetInt("c_usrexpire_days"))
	return l.users.ForEachUser(func(u *userdir.User) error {
		if u.UserNum == 0 {
			return nil // system user
		}
		if u.FullName == "" || u.UserNum < 0 {
			report.UsersCorrupt = append(report.UsersCorrupt, fmt.Sprintf("usernum=%d name=%q", u.UserNum, u.FullName))
			return nil
		}
		if u.AxLevel == userdir.AxAide {
			return nil
		}
		immediate := normalizeForPurgeCheck(u.Password) == "DELETEME"
		days := globalDays
		if u.PurgeDays != 0 {
			days = int64(u.PurgeDays)
		}
		expired := days > 0 && now.Unix()-u.LastCall > days*86400
		if !immediate && !expired {
			return nil
		}
		err := l.users.Purge(u.FullName,
			func(int64) bool { return false },
			l.rooms.DeleteVisitsForUser,
			func(*userdir.User) { report.UsersPurged++ })
		return err
	})
}

func normalizeForPurgeCheck(pw string) string {
	out := make([]byte, 0, len(pw))
	for i := 0; i < len(pw); i++ {
		c := pw[i]
		if c == ' ' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// expireMessages implements step 2 by walking every room (via the
// directory's ForEachRoom full scan) and applying that floor's expire
// policy.
func (l *Loop) expireMessages(now time.Time) error {
	msgDays := int64(l.cfg.GetInt("c_msgexpire_days"))
	msgMode := l.cfg.GetInt("c_msgexpire_mode")
	return l.rooms.ForEachRoom(func(name string, roomNum int64, r *roomdir.Room) error {
		if r.Flags&roomdir.QRMailbox != 0 {
			return nil
		}
		floor, err := l.rooms.GetFloor(r.FloorID)
		if err != nil {
			return err
		}
		switch floor.ExpirePolicy {
		case roomdir.ExpireManual:
			return nil
		case roomdir.ExpireKeepNewest:
			return l.msgs.ExpireRoomByCount(roomNum, int(floor.ExpireValue))
		case roomdir.ExpireAge:
			cutoff := now.AddDate(0, 0, -int(floor.ExpireValue)).Unix()
			return l.msgs.ExpireRoomByAge(roomNum, cutoff)
		default: // ExpireInherit
			if msgMode == 0 || msgDays <= 0 {
				return nil
			}
			return l.msgs.ExpireRoomByAge(roomNum, now.AddDate(0, 0, -int(msgDays)).Unix())
		}
	})
}

// purgeRooms implements step 3: mailbox rooms whose owning user is
// gone, and non-directory/non-system rooms older than c_roompurge_days.
// Rooms have no permanent flag, so no other room is exempt from the age
// rule.
func (l *Loop) purgeRooms(now time.Time, report *PurgeReport) error {
	roomPurgeDays := int64(l.cfg.GetInt("c_roompurge_days"))
	return l.rooms.ForEachRoom(func(name string, roomNum int64, r *roomdir.Room) error {
		if r.Flags&roomdir.QRMailbox != 0 {
			if _, err := l.users.CtdlGetUserByNumber(r.OwnerUserNum); err == core.ErrNotFound {
				if err := l.rooms.DeleteRoom(name); err != nil {
					return err
				}
				report.RoomsPurged++
			}
			return nil
		}
		if r.Flags&(roomdir.QRDirectory|roomdir.QRSystem) != 0 {
			return nil
		}
		if roomPurgeDays <= 0 || r.MTime == 0 {
			return nil
		}
		if now.Unix()-r.MTime < roomPurgeDays*86400 {
			return nil
		}
		if err := l.rooms.DeleteRoom(name); err != nil {
			return err
		}
		report.RoomsPurged++
		return nil
	})
}

// purgeOrphanedVisits implements step 4 by building the set of live
// room and user numbers, then dropping any Visit whose room or user is
// not among them.
func (l *Loop) purgeOrphanedVisits(report *PurgeReport) error {
	liveRooms := make(map[int64]bool)
	if err := l.rooms.ForEachRoom(func(_ string, roomNum int64, _ *roomdir.Room) error {
		liveRooms[roomNum] = true
		return nil
	}); err != nil {
		return err
	}
	liveUsers := make(map[int64]bool)
	if err := l.users.ForEachUser(func(u *userdir.User) error {
		liveUsers[u.UserNum] = true
		return nil
	}); err != nil {
		return err
	}

	var orphans []*roomdir.Visit
	if err := l.rooms.ForEachVisit(func(v *roomdir.Visit) error {
		if !liveRooms[v.RoomNum] || !liveUsers[v.UserNum] {
			orphans = append(orphans, v)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, v := range orphans {
		if err := l.rooms.DeleteVisit(v); err != nil {
			return err
		}
		report.VisitsPurged++
	}
	return nil
}

// postAideReport writes a purge summary into the Aide room when corrupt
// user records were found, since those need a human to look at them.
func (l *Loop) postAideReport(report *PurgeReport) {
	aideRoom, err := l.rooms.EnsureSystemRoom("Aide")
	if err != nil {
		l.Logf("housekeeping: post aide report: %v", err)
		return
	}
	m := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:    "Citadel",
		msgstore.TagSubject:   "Auto-purge report",
		msgstore.TagTimestamp: fmt.Sprintf("%d", time.Now().Unix()),
		msgstore.TagBody:      fmt.Sprintf("Auto-purge found %d corrupt user record(s):\n%s\n", len(report.UsersCorrupt), joinLines(report.UsersCorrupt)),
	}}
	if _, err := l.msgs.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: aideRoom}}); err != nil {
		l.Logf("housekeeping: post aide report: %v", err)
	}
}

func joinLines(lines []string) string {
	out := ""
	for _, s := range lines {
		out += s + "\n"
	}
	return out
}

// PostCrashNotice writes a message into the Aide room identifying the
// previous process's pid and hinting at core-dump location, per spec
// 4.10's crash-restart notice. It is called once at startup by the
// process supervisor, before the housekeeping loop itself is running,
// so it takes its own connection rather than a *Loop.
func PostCrashNotice(conn *kvstore.Conn, cfg *config.Store, rq *msgstore.RefQueue, prevPID int, coreHint string) error {
	rd := roomdir.New(conn)
	ms := msgstore.New(conn, cfg, rq)
	aideRoom, err := rd.EnsureSystemRoom("Aide")
	if err != nil {
		return err
	}
	body := fmt.Sprintf("The server restarted after an unclean shutdown.\nPrevious pid: %d\n", prevPID)
	if coreHint != "" {
		body += fmt.Sprintf("Possible core dump: %s\n", coreHint)
	}
	m := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:    "Citadel",
		msgstore.TagSubject:   "Server restart notice",
		msgstore.TagTimestamp: fmt.Sprintf("%d", time.Now().Unix()),
		msgstore.TagBody:      body,
	}}
	_, err = ms.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: aideRoom}})
	return err
}
