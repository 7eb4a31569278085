package smtpin_test

import (
	"context"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"citadel.example/server/config"
	"citadel.example/server/kvstore"
	"citadel.example/server/modules/smtpin"
	"citadel.example/server/msgstore"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
)

func newModule(t *testing.T) (*smtpin.Module, *userdir.Dir, *roomdir.Dir, *msgstore.Store) {
	t.Helper()
	dir, err := ioutil.TempDir("", "smtpin-test-")
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

	cfg := config.New(conn)
	if err := cfg.EnsureDefaults(); err != nil {
		t.Fatal(err)
	}
	users := userdir.New(conn)
	rooms := roomdir.New(conn)

	rq, err := msgstore.OpenRefQueue(filepath.Join(dir, "refcount_adjustments.dat"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rq.Close() })
	msgs := msgstore.New(conn, cfg, rq)

	mod := &smtpin.Module{
		Users: users,
		Rooms: rooms,
		Msgs:  msgs,
		FQDN:  "citadel.example.org",
	}
	return mod, users, rooms, msgs
}

func pipeContext(t *testing.T) (*sessions.Context, func() string) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	read := make(chan string, 64)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				read <- string(buf[:n])
			}
			if err != nil {
				close(read)
				return
			}
		}
	}()

	ctx := sessions.NewContext(1, "smtp-in", server, "127.0.0.1")
	drain := func() string {
		var out strings.Builder
		for {
			select {
			case s, ok := <-read:
				if !ok {
					return out.String()
				}
				out.WriteString(s)
			default:
				return out.String()
			}
		}
	}
	return ctx, drain
}

func sendLines(t *testing.T, mod *smtpin.Module, ctx *sessions.Context, drain func() string, lines ...string) []string {
	t.Helper()
	var replies []string
	for _, l := range lines {
		if err := mod.Command(ctx, l); err != nil {
			t.Fatalf("Command(%q): %v", l, err)
		}
		replies = append(replies, drain())
	}
	return replies
}

// TestInboundDeliveryToLocalUser exercises HELO/MAIL/RCPT/DATA end to
// end, checking that a message addressed to a known local user lands in
// that user's mailbox room.
func TestInboundDeliveryToLocalUser(t *testing.T) {
	mod, users, rooms, msgs := newModule(t)
	u, err := users.CreateUser("bob", 1)
	if err != nil {
		t.Fatal(err)
	}
	users.EnsureMailAddress(u, "citadel.example.org")
	if err := users.CtdlPutUser(u, 0); err != nil {
		t.Fatal(err)
	}

	ctx, drain := pipeContext(t)
	replies := sendLines(t, mod, ctx, drain,
		"HELO mail.example.com",
		"MAIL FROM:<alice@example.com>",
		"RCPT TO:<bob@citadel.example.org>",
		"DATA",
		"Subject: hello",
		"",
		"hi bob",
		".",
	)
	last := replies[len(replies)-1]
	if !strings.HasPrefix(last, "250") {
		t.Fatalf("DATA terminator reply = %q, want 250", last)
	}

	_, roomNum, err := rooms.CtdlGetRoom("bob]Mail")
	if err != nil {
		t.Fatalf("bob's mailbox room not created: %v", err)
	}
	list, err := msgs.ListRoomMessages(roomNum)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("room has %d messages, want 1", len(list))
	}
	m, err := msgs.CtdlFetchMessage(list[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(msgstore.TagSubject); got != "hello" {
		t.Errorf("subject = %q, want %q", got, "hello")
	}
	if !strings.Contains(m.Body(), "hi bob") {
		t.Errorf("body = %q, want to contain %q", m.Body(), "hi bob")
	}
}

// TestRcptToUnknownUserIsRejected checks the 550 path in Command's RCPT case.
func TestRcptToUnknownUserIsRejected(t *testing.T) {
	mod, _, _, _ := newModule(t)
	ctx, drain := pipeContext(t)
	sendLines(t, mod, ctx, drain,
		"HELO mail.example.com",
		"MAIL FROM:<alice@example.com>",
	)
	if err := mod.Command(ctx, "RCPT TO:<nobody@citadel.example.org>"); err != nil {
		t.Fatal(err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "550") {
		t.Fatalf("RCPT reply = %q, want 550", reply)
	}
}

// TestDataBeforeRcptIsRejected checks the 503 ordering guard.
func TestDataBeforeRcptIsRejected(t *testing.T) {
	mod, _, _, _ := newModule(t)
	ctx, drain := pipeContext(t)
	if err := mod.Command(ctx, "DATA"); err != nil {
		t.Fatal(err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "503") {
		t.Fatalf("DATA reply = %q, want 503", reply)
	}
}
