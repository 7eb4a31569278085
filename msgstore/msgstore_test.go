package msgstore_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/kvstore"
	"citadel.example/server/msgstore"
)

func open(t *testing.T) (*kvstore.Conn, *config.Store, *msgstore.RefQueue) {
	t.Helper()
	dir, err := ioutil.TempDir("", "msgstore-test-")
	if err != nil {
		t.Fatal(err)
	}
	kv, err := kvstore.Open(filepath.Join(dir, "citadel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	conn := kv.Acquire(context.Background())
	t.Cleanup(conn.Release)

	rq, err := msgstore.OpenRefQueue(filepath.Join(dir, "refqueue.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rq.Close() })

	return conn, config.New(conn), rq
}

func TestGetNewMsgNumberMonotonic(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	n1, err := s.GetNewMsgNumber()
	if err != nil {
		t.Fatal(err)
	}
	n2, err := s.GetNewMsgNumber()
	if err != nil {
		t.Fatal(err)
	}
	if n2 <= n1 {
		t.Errorf("n2=%d should be greater than n1=%d", n2, n1)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:  "Ignatius",
		msgstore.TagSubject: "hello",
		msgstore.TagBody:    "a short body",
	}}
	main, overflow := msgstore.Encode(m)
	if overflow != nil {
		t.Fatal("short body should not overflow")
	}
	got, overflowed, err := msgstore.Decode(1, main)
	if err != nil {
		t.Fatal(err)
	}
	if overflowed {
		t.Error("decoded record reports overflow for a short body")
	}
	if v, _ := got.Get(msgstore.TagAuthor); v != "Ignatius" {
		t.Errorf("author = %q", v)
	}
	if got.Body() != "a short body" {
		t.Errorf("body = %q", got.Body())
	}
}

func TestEncodeDecodeBigBodyOverflow(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	m := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: string(big)}}
	main, overflow := msgstore.Encode(m)
	if overflow == nil {
		t.Fatal("expected overflow for a 2000-byte body")
	}
	got, overflowed, err := msgstore.Decode(1, main)
	if err != nil {
		t.Fatal(err)
	}
	if !overflowed {
		t.Error("expected decode to report overflow")
	}
	got.BigBody = overflow
	if got.Body() != string(big) {
		t.Error("body mismatch after overflow round trip")
	}
}

func TestSubmitFetchAndDelete(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	m := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor: "Bob",
		msgstore.TagBody:   "first post",
	}}
	msgNum, err := s.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: 1}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.CtdlFetchMessage(msgNum, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body() != "first post" {
		t.Errorf("body = %q", got.Body())
	}

	if err := s.CtdlDeleteMessages(1, []int64{msgNum}); err != nil {
		t.Fatal(err)
	}
	if err := rq.Drain(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CtdlFetchMessage(msgNum, false); err != core.ErrNotFound {
		t.Errorf("err after drain = %v, want ErrNotFound", err)
	}
}

func TestSubmitAppendsMultipleRoomsAndHooksRun(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	var beforeCalls, afterCalls int
	s.BeforeSave = append(s.BeforeSave, func(m *msgstore.Message) error {
		beforeCalls++
		return nil
	})
	s.AfterSave = append(s.AfterSave, func(m *msgstore.Message, targets []msgstore.RoomTarget) {
		afterCalls++
		if len(targets) != 2 {
			t.Errorf("AfterSave targets = %d, want 2", len(targets))
		}
	})

	m := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "x"}}
	if _, err := s.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: 1}, {RoomNum: 2}}); err != nil {
		t.Fatal(err)
	}
	if beforeCalls != 1 || afterCalls != 1 {
		t.Errorf("beforeCalls=%d afterCalls=%d, want 1/1", beforeCalls, afterCalls)
	}
}

func TestBeforeSaveAbortsSubmission(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	wantErr := &core.UserError{UserMsg: "rejected"}
	s.BeforeSave = append(s.BeforeSave, func(m *msgstore.Message) error { return wantErr })

	m := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "x"}}
	if _, err := s.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: 1}}); err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestEuidIndexReplacesOlderMessage(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	m1 := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "v1"}}
	num1, err := s.CtdlSubmitMsg(m1, []msgstore.RoomTarget{{RoomNum: 5, Euid: "event-1"}})
	if err != nil {
		t.Fatal(err)
	}

	m2 := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "v2"}}
	num2, err := s.CtdlSubmitMsg(m2, []msgstore.RoomTarget{{RoomNum: 5, Euid: "event-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if num2 == num1 {
		t.Fatal("expected a new message number for the replacement")
	}

	if err := rq.Drain(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CtdlFetchMessage(num1, false); err != core.ErrNotFound {
		t.Errorf("old euid message still present: %v", err)
	}
	got, err := s.CtdlFetchMessage(num2, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body() != "v2" {
		t.Errorf("body = %q, want v2", got.Body())
	}
}

func TestCheckIfAlreadySeen(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	fp := []byte("fingerprint-1")
	seen, err := s.CheckIfAlreadySeen(fp, 1000, 42)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("first call should report not-yet-seen")
	}
	seen, err = s.CheckIfAlreadySeen(fp, 2000, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("second call should report already-seen")
	}
}

// TestSubmitDedupesRepeatedRoomTarget covers the list-idempotence
// invariant: a room appearing twice in one CtdlSubmitMsg call must end up
// with exactly one list entry and one RefQueue reference, not two.
func TestSubmitDedupesRepeatedRoomTarget(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	var afterTargets int
	s.AfterSave = append(s.AfterSave, func(m *msgstore.Message, targets []msgstore.RoomTarget) {
		afterTargets = len(targets)
	})

	m := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "dup"}}
	msgNum, err := s.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: 1}, {RoomNum: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if afterTargets != 2 {
		t.Errorf("AfterSave still sees the raw target list; got %d, want 2", afterTargets)
	}

	list, err := s.ListRoomMessages(1)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, n := range list {
		if n == msgNum {
			count++
		}
	}
	if count != 1 {
		t.Errorf("message appears %d times in room 1's list, want 1", count)
	}

	// A single delete must be enough to drop the refcount to zero: if the
	// duplicate target had enqueued a second +1, the message would survive
	// this first deletion.
	if err := s.CtdlDeleteMessages(1, []int64{msgNum}); err != nil {
		t.Fatal(err)
	}
	if err := rq.Drain(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CtdlFetchMessage(msgNum, false); err != core.ErrNotFound {
		t.Errorf("message should be gone after one delete if the duplicate target was deduped: %v", err)
	}
}

func TestRefQueueDrainAppliesNetDelta(t *testing.T) {
	conn, cfg, rq := open(t)
	s := msgstore.New(conn, cfg, rq)

	m := &msgstore.Message{Fields: map[byte]string{msgstore.TagBody: "shared"}}
	msgNum, err := s.CtdlSubmitMsg(m, []msgstore.RoomTarget{{RoomNum: 1}, {RoomNum: 2}})
	if err != nil {
		t.Fatal(err)
	}
	// Two +1s queued by the submit above. Remove from one room only: net
	// refcount should still be positive, so the message survives.
	if err := s.CtdlDeleteMessages(1, []int64{msgNum}); err != nil {
		t.Fatal(err)
	}
	if err := rq.Drain(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CtdlFetchMessage(msgNum, false); err != nil {
		t.Fatalf("message should survive with one remaining room reference: %v", err)
	}

	if err := s.CtdlDeleteMessages(2, []int64{msgNum}); err != nil {
		t.Fatal(err)
	}
	if err := rq.Drain(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CtdlFetchMessage(msgNum, false); err != core.ErrNotFound {
		t.Errorf("message should be gone once refcount hits zero: %v", err)
	}
}
