package housekeeping

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"citadel.example/server/config"
	"citadel.example/server/kvstore"
	"citadel.example/server/msgstore"
	"citadel.example/server/registry"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
)

func newTestLoop(t *testing.T) (*Loop, *kvstore.KVStore) {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "citadel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	rq, err := msgstore.OpenRefQueue(filepath.Join(dir, "refqueue.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rq.Close() })

	reg := registry.New()
	sessTable := sessions.NewTable()
	l := NewLoop(kv, reg, sessTable, rq, "citadel.example.org")
	t.Cleanup(l.Close)
	return l, kv
}

func TestTickRunsPerMinuteOnFirstCall(t *testing.T) {
	l, _ := newTestLoop(t)
	l.Tick(time.Now())
	if l.lastMinute.IsZero() {
		t.Fatal("expected first Tick to run the per-minute block")
	}
}

func TestTickSkipsConcurrentRun(t *testing.T) {
	l, _ := newTestLoop(t)
	l.running = 1 // simulate an in-flight tick
	before := l.lastTickEnd
	l.Tick(time.Now())
	if l.lastTickEnd != before {
		t.Fatal("Tick should have been a no-op while running was already set")
	}
}

func TestCtdlDisableHousekeepingBlocksFurtherTicks(t *testing.T) {
	l, _ := newTestLoop(t)
	l.CtdlDisableHousekeeping()
	l.Tick(time.Now())
	if !l.lastMinute.IsZero() {
		t.Fatal("Tick should not have run any work once disabled")
	}
}

func TestAutoPurgeRemovesStaleUseTableEntry(t *testing.T) {
	l, _ := newTestLoop(t)
	now := time.Now()
	if _, err := l.msgs.CheckIfAlreadySeen([]byte("fingerprint"), now.AddDate(0, 0, -30).Unix(), 1); err != nil {
		t.Fatal(err)
	}
	if err := l.AutoPurge(now); err != nil {
		t.Fatal(err)
	}
	seen, err := l.msgs.CheckIfAlreadySeen([]byte("fingerprint"), now.Unix(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("expected the stale use-table entry to have been purged before this re-check")
	}
}

func TestAutoPurgeFlagsCorruptUser(t *testing.T) {
	l, _ := newTestLoop(t)
	corrupt := &userdir.User{FullName: "", UserNum: 1}
	if err := l.users.CtdlPutUser(corrupt, 1); err != nil {
		t.Fatal(err)
	}
	report := &PurgeReport{}
	if err := l.purgeUsers(time.Now(), report); err != nil {
		t.Fatal(err)
	}
	if len(report.UsersCorrupt) != 1 {
		t.Fatalf("expected one corrupt user flagged, got %d", len(report.UsersCorrupt))
	}
}

func TestPurgeOrphanedVisitRemovesDanglingRow(t *testing.T) {
	l, _ := newTestLoop(t)
	v := &roomdir.Visit{RoomNum: 999, RoomGen: 1, UserNum: 888}
	if err := l.rooms.PutVisit(v); err != nil {
		t.Fatal(err)
	}
	report := &PurgeReport{}
	if err := l.purgeOrphanedVisits(report); err != nil {
		t.Fatal(err)
	}
	if report.VisitsPurged != 1 {
		t.Fatalf("expected 1 visit purged, got %d", report.VisitsPurged)
	}
}

func TestPostCrashNoticeWritesAideMessage(t *testing.T) {
	_, kv := newTestLoop(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()
	cfg := config.New(conn)
	rq, err := msgstore.OpenRefQueue(filepath.Join(t.TempDir(), "rq2.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer rq.Close()

	if err := PostCrashNotice(conn, cfg, rq, 1234, "/var/crash/citadel.core"); err != nil {
		t.Fatal(err)
	}

	rd := roomdir.New(conn)
	_, roomNum, err := rd.CtdlGetRoom("Aide")
	if err != nil {
		t.Fatal(err)
	}
	list, err := msgstore.New(conn, cfg, rq).ListRoomMessages(roomNum)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 message in Aide room, got %d", len(list))
	}
}
