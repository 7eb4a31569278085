package registry_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"citadel.example/server/registry"
)

func TestSessionHooksRunInPriorityOrder(t *testing.T) {
	r := registry.New()
	var order []int
	r.RegisterSessionHook(5, func(ctx interface{}, e registry.SessionEvent) { order = append(order, 5) })
	r.RegisterSessionHook(1, func(ctx interface{}, e registry.SessionEvent) { order = append(order, 1) })
	r.RegisterSessionHook(3, func(ctx interface{}, e registry.SessionEvent) { order = append(order, 3) })

	r.RunSessionHooks(nil, registry.EvtStart)

	want := []int{1, 3, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestMessageHookBeforeSaveSum(t *testing.T) {
	r := registry.New()
	r.RegisterMessageHook(registry.MsgBeforeSave, func(msgNum int64, recipients []string, event string) int { return 1 })
	r.RegisterMessageHook(registry.MsgBeforeSave, func(msgNum int64, recipients []string, event string) int { return 0 })

	if sum := r.RunMessageHooks(registry.MsgBeforeSave, 1, nil); sum != 1 {
		t.Errorf("sum = %d, want 1", sum)
	}
	if sum := r.RunMessageHooks(registry.MsgAfterSave, 1, nil); sum != 0 {
		t.Errorf("unrelated event sum = %d, want 0", sum)
	}
}

func TestXmsgHookSkipsLaterPriorityClasses(t *testing.T) {
	r := registry.New()
	var lowRan, highRan bool
	r.RegisterXmsgHook(1, func(sender, senderEmail, recipient, text string) int {
		highRan = true
		return 42
	})
	r.RegisterXmsgHook(2, func(sender, senderEmail, recipient, text string) int {
		lowRan = true
		return 7
	})

	got := r.RunXmsgHooks("a", "a@x", "b", "hi")
	if got != 42 {
		t.Errorf("got = %d, want 42 (priority-1 class wins)", got)
	}
	if !highRan {
		t.Error("priority-1 hook should have run")
	}
	if lowRan {
		t.Error("priority-2 hook should not run once priority 1 returned nonzero")
	}
}

func TestProtoHookRegistrationRejectsDuplicateVerb(t *testing.T) {
	r := registry.New()
	noop := func(ctx interface{}, argBuf string) error { return nil }
	if err := r.RegisterProtoHook("STAT", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterProtoHook("STAT", noop); err == nil {
		t.Error("expected an error re-registering the same verb")
	}
	if _, ok := r.ProtoHook("STAT"); !ok {
		t.Error("expected STAT to be registered")
	}
	if _, ok := r.ProtoHook("NOPE"); ok {
		t.Error("unregistered verb should not be found")
	}
}

func TestRegisterServiceTCP(t *testing.T) {
	r := registry.New()
	l, err := r.RegisterService("test-tcp", "127.0.0.1:0", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.IsUDS {
		t.Error("TCP listener misclassified as UDS")
	}
	if len(r.Listeners()) != 1 {
		t.Fatalf("listeners = %d, want 1", len(r.Listeners()))
	}
	if err := r.Shutdown(nil); err != nil {
		t.Fatal(err)
	}
	if len(r.Listeners()) != 0 {
		t.Error("Shutdown should clear the listener list")
	}
}

func TestRegisterServiceUDSUnlinksOnShutdown(t *testing.T) {
	dir, err := os.MkdirTemp("", "registry-uds-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "citadel.sock")

	r := registry.New()
	if _, err := r.RegisterService("test-uds", path, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket file not created: %v", err)
	}

	if err := r.Shutdown(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("socket path should be unlinked after Shutdown")
	}
}

func TestRegisterServiceRebindFailureIsNonFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	r := registry.New()
	_, err = r.RegisterService("dup", ln.Addr().String(), nil, nil, nil)
	if err == nil {
		t.Fatal("expected a bind error for an already-bound address")
	}
	if len(r.Listeners()) != 0 {
		t.Error("a failed bind should not be recorded as a listener")
	}
}

func TestShutdownRunsShutdownSessionHook(t *testing.T) {
	r := registry.New()
	var ran bool
	r.RegisterSessionHook(0, func(ctx interface{}, e registry.SessionEvent) {
		if e == registry.EvtShutdown {
			ran = true
		}
	})
	if err := r.Shutdown(nil); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("expected the shutdown session hook to run")
	}
}
