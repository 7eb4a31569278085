package native_test

import (
	"context"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"citadel.example/server/auth"
	"citadel.example/server/config"
	"citadel.example/server/kvstore"
	"citadel.example/server/modules/native"
	"citadel.example/server/msgstore"
	"citadel.example/server/registry"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
	"citadel.example/server/util/throttle"
)

func newModule(t *testing.T) *native.Module {
	t.Helper()
	dir, err := ioutil.TempDir("", "native-test-")
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

	if _, err := rooms.EnsureSystemRoom("Aide"); err != nil {
		t.Fatal(err)
	}
	if _, err := rooms.CtdlCreateRoom("Lobby", 0, "", 0, roomdir.ViewBBS); err != nil {
		t.Fatal(err)
	}
	if _, err := rooms.EnsureSystemRoom("Local System Configuration"); err != nil {
		t.Fatal(err)
	}

	authn := &auth.Authenticator{
		Config:   cfg,
		Users:    users,
		Throttle: &throttle.Throttle{},
		Logf:     func(string, ...interface{}) {},
		FQDN:     "citadel.example.org",
	}

	reg := registry.New()
	mod := &native.Module{
		Users: users,
		Rooms: rooms,
		Msgs:  msgs,
		Cfg:   cfg,
		Auth:  authn,
		Reg:   reg,
		FQDN:  "citadel.example.org",
	}
	if err := mod.Register(reg); err != nil {
		t.Fatal(err)
	}
	return mod
}

// pipeContext builds a *sessions.Context backed by a net.Pipe, draining the
// peer side into a buffer so Module.Command's replies never block on an
// unread write.
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

	ctx := sessions.NewContext(1, "native", server, "127.0.0.1")
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

// TestFreshBootLoginBootstrapsSysadm exercises the scenario spec 8's
// "Fresh boot" describes literally: logging in as the configured sysadm
// name for the first time creates that account at AxAide with whatever
// password was typed, and the well-known rooms already exist.
func TestFreshBootLoginBootstrapsSysadm(t *testing.T) {
	mod := newModule(t)
	ctx, drain := pipeContext(t)

	if err := mod.Command(ctx, "USER admin"); err != nil {
		t.Fatalf("USER: %v", err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "304") {
		t.Fatalf("USER reply = %q, want 304 new-user prompt", reply)
	}

	if err := mod.Command(ctx, "PASS citadel"); err != nil {
		t.Fatalf("PASS: %v", err)
	}
	reply := drain()
	if !strings.HasPrefix(reply, "200 ") {
		t.Fatalf("PASS reply = %q, want 200 login confirmation", reply)
	}
	fields := strings.Split(strings.TrimSpace(strings.TrimPrefix(reply, "200 ")), "|")
	if len(fields) < 6 {
		t.Fatalf("PASS reply %q did not have the expected pipe-delimited fields", reply)
	}
	if fields[1] != "6" {
		t.Errorf("axlevel = %s, want 6 (AxAide)", fields[1])
	}
	if fields[5] == "0" {
		t.Errorf("usernum = %s, want nonzero", fields[5])
	}

	u, ok := ctx.User()
	if !ok {
		t.Fatal("context not logged in after PASS")
	}
	if u.AxLevel != userdir.AxAide {
		t.Errorf("u.AxLevel = %d, want %d", u.AxLevel, userdir.AxAide)
	}
	if u.UserNum <= 0 {
		t.Errorf("u.UserNum = %d, want > 0", u.UserNum)
	}
}

// TestGotoLobbyAfterLogin exercises room navigation once logged in, per
// spec 4.3's login-then-GOTO sequence.
func TestGotoLobbyAfterLogin(t *testing.T) {
	mod := newModule(t)
	ctx, drain := pipeContext(t)

	if err := mod.Command(ctx, "USER admin"); err != nil {
		t.Fatalf("USER: %v", err)
	}
	drain()
	if err := mod.Command(ctx, "PASS citadel"); err != nil {
		t.Fatalf("PASS: %v", err)
	}
	drain()

	if err := mod.Command(ctx, "GOTO Lobby"); err != nil {
		t.Fatalf("GOTO: %v", err)
	}
	reply := drain()
	if !strings.HasPrefix(reply, "200 Lobby|") {
		t.Fatalf("GOTO reply = %q, want 200 Lobby|...", reply)
	}
	if room := ctx.Room(); room == nil || room.Name != "Lobby" {
		t.Fatalf("ctx.Room() = %+v, want Lobby", room)
	}
}

// TestGotoBeforeLoginIsRejected checks the not-logged-in guard in cmdGoto.
func TestGotoBeforeLoginIsRejected(t *testing.T) {
	mod := newModule(t)
	ctx, drain := pipeContext(t)

	if err := mod.Command(ctx, "GOTO Lobby"); err != nil {
		t.Fatalf("GOTO: %v", err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "540") {
		t.Fatalf("GOTO reply = %q, want 540 not-logged-in", reply)
	}
}

// TestUnknownVerbDoesNotKillSession checks that an unrecognized command
// produces a protocol-level error reply rather than tearing down the
// session, per Module.Command's contract.
func TestUnknownVerbDoesNotKillSession(t *testing.T) {
	mod := newModule(t)
	ctx, drain := pipeContext(t)

	if err := mod.Command(ctx, "BOGUS"); err != nil {
		t.Fatalf("BOGUS: %v", err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "500") {
		t.Fatalf("BOGUS reply = %q, want 500", reply)
	}
	if ctx.KillReason() != sessions.KillNone {
		t.Errorf("session killed on unknown verb, reason=%v", ctx.KillReason())
	}
}

// TestQuitMarksSessionForTeardown checks cmdQuit's KillMe call, without
// asserting on the specific KillReason value (an implementation detail
// of package sessions).
func TestQuitMarksSessionForTeardown(t *testing.T) {
	mod := newModule(t)
	ctx, drain := pipeContext(t)

	if err := mod.Command(ctx, "QUIT"); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
	if reply := drain(); !strings.HasPrefix(reply, "200 Goodbye") {
		t.Fatalf("QUIT reply = %q, want 200 Goodbye", reply)
	}
	if ctx.KillReason() == sessions.KillNone {
		t.Error("QUIT did not mark the session for teardown")
	}
}
