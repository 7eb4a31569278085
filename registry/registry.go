// Package registry is Citadel's ServiceRegistry: the hook tables every
// protocol module registers callbacks against, and the listener
// bookkeeping (TCP and Unix-domain) that the dispatcher accepts
// connections from.
package registry

import (
	"fmt"
	"net"
	"os"
	"sync"

	"citadel.example/server/core"
)

// SessionEvent enumerates the Session hook's event types.
type SessionEvent int

const (
	EvtStart SessionEvent = iota
	EvtStop
	EvtLogin
	EvtLogout
	EvtNewRoom
	EvtSetPass
	EvtCmd
	EvtRwho
	EvtAsync
	EvtStealth
	EvtUnstealth
	EvtTimer
	EvtHouse
	EvtShutdown
)

// SessionHookFunc is called for session lifecycle events. ctx is an
// opaque per-session handle (registry does not know the session's
// concrete type; that lives in package sessions).
type SessionHookFunc func(ctx interface{}, event SessionEvent)

type sessionHook struct {
	priority int
	fn       SessionHookFunc
}

// UserHookFunc is called around user lifecycle events (NewUser, PurgeUser).
type UserHookFunc func(userNum int64, event string)

// MessageHookFunc runs around message save. Non-zero return from any
// BeforeSave hook aborts the save; the sum is what callers check.
type MessageHookFunc func(msgNum int64, recipients []string, event string) int

// RoomHookFunc runs on room events; return values are summed.
type RoomHookFunc func(roomNum int64) int

// DeleteHookFunc runs after a message is deleted from a room. Side
// effects only; no return value is consulted.
type DeleteHookFunc func(roomNum int64, msgNum int64)

// XmsgHookFunc handles an express/instant message send. Hooks run in
// priority order; every hook of a priority class runs, and once any of
// them has returned non-zero, the hooks of later classes are skipped.
type XmsgHookFunc func(sender, senderEmail, recipient, text string) int

type xmsgHook struct {
	priority int
	fn       XmsgHookFunc
}

// FixedOutputHookFunc renders content of contentType on the fly,
// reporting whether it handled the request.
type FixedOutputHookFunc func(contentType string, body []byte) (handled bool)

// SearchHookFunc is a full-text search provider.
type SearchHookFunc func(query, name string) (msgNums []int64, err error)

// ProtoHookFunc implements one native-protocol verb.
type ProtoHookFunc func(ctx interface{}, argBuf string) error

// GreetingFunc, CommandFunc, and AsyncFunc are the three callbacks a
// Service hook supplies for a listener.
type GreetingFunc func(ctx interface{})
type CommandFunc func(ctx interface{}, line string) error
type AsyncFunc func(ctx interface{})

// Listener is one registered socket: either a TCP port or a Unix-domain
// socket path, paired with the callbacks the dispatcher invokes for
// connections accepted on it.
type Listener struct {
	Name     string
	Net      net.Listener
	IsUDS    bool
	Path     string // set when IsUDS
	Greeting GreetingFunc
	Command  CommandFunc
	Async    AsyncFunc
}

// Registry is the central hook-table and listener registrar. One
// instance is constructed at startup and handed to every protocol
// module (per spec 4.12's module contract).
type Registry struct {
	Logf core.Logf

	mu sync.Mutex

	sessionHooks []sessionHook
	userHooks    []UserHookFunc
	messageBeforeSave []MessageHookFunc
	messageAfterSave  []MessageHookFunc
	messageSmtpScan   []MessageHookFunc
	messageAfterUserMboxSave []MessageHookFunc
	roomHooks    []RoomHookFunc
	deleteHooks  []DeleteHookFunc
	xmsgHooks    []xmsgHook
	fixedOutputHooks []FixedOutputHookFunc
	searchHooks  map[string]SearchHookFunc
	protoHooks   map[string]ProtoHookFunc

	listeners []*Listener
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		Logf:        func(string, ...interface{}) {},
		searchHooks: make(map[string]SearchHookFunc),
		protoHooks:  make(map[string]ProtoHookFunc),
	}
}

// RegisterSessionHook adds fn to the session hook table. Hooks fire in
// ascending priority order; ties fire in registration order (a stable
// insertion sort keeps the table append-ordered within a priority).
func (r *Registry) RegisterSessionHook(priority int, fn SessionHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.sessionHooks)
	for i > 0 && r.sessionHooks[i-1].priority > priority {
		i--
	}
	r.sessionHooks = append(r.sessionHooks, sessionHook{})
	copy(r.sessionHooks[i+1:], r.sessionHooks[i:])
	r.sessionHooks[i] = sessionHook{priority: priority, fn: fn}
}

// RunSessionHooks invokes every registered session hook for event, in
// priority order.
func (r *Registry) RunSessionHooks(ctx interface{}, event SessionEvent) {
	r.mu.Lock()
	hooks := make([]sessionHook, len(r.sessionHooks))
	copy(hooks, r.sessionHooks)
	r.mu.Unlock()
	for _, h := range hooks {
		h.fn(ctx, event)
	}
}

func (r *Registry) RegisterUserHook(fn UserHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userHooks = append(r.userHooks, fn)
}

func (r *Registry) RunUserHooks(userNum int64, event string) {
	r.mu.Lock()
	hooks := append([]UserHookFunc(nil), r.userHooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(userNum, event)
	}
}

// MessageEvent names which message hook list RegisterMessageHook adds to.
type MessageEvent int

const (
	MsgBeforeSave MessageEvent = iota
	MsgAfterSave
	MsgSmtpScan
	MsgAfterUserMboxSave
)

func (r *Registry) RegisterMessageHook(event MessageEvent, fn MessageHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch event {
	case MsgBeforeSave:
		r.messageBeforeSave = append(r.messageBeforeSave, fn)
	case MsgAfterSave:
		r.messageAfterSave = append(r.messageAfterSave, fn)
	case MsgSmtpScan:
		r.messageSmtpScan = append(r.messageSmtpScan, fn)
	case MsgAfterUserMboxSave:
		r.messageAfterUserMboxSave = append(r.messageAfterUserMboxSave, fn)
	}
}

// RunMessageHooks runs the hooks registered for event and returns their
// summed return value (nonzero on BeforeSave aborts the save, per spec).
func (r *Registry) RunMessageHooks(event MessageEvent, msgNum int64, recipients []string) int {
	r.mu.Lock()
	var hooks []MessageHookFunc
	switch event {
	case MsgBeforeSave:
		hooks = append(hooks, r.messageBeforeSave...)
	case MsgAfterSave:
		hooks = append(hooks, r.messageAfterSave...)
	case MsgSmtpScan:
		hooks = append(hooks, r.messageSmtpScan...)
	case MsgAfterUserMboxSave:
		hooks = append(hooks, r.messageAfterUserMboxSave...)
	}
	r.mu.Unlock()
	sum := 0
	for _, h := range hooks {
		sum += h(msgNum, recipients, "")
	}
	return sum
}

func (r *Registry) RegisterRoomHook(fn RoomHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomHooks = append(r.roomHooks, fn)
}

func (r *Registry) RunRoomHooks(roomNum int64) int {
	r.mu.Lock()
	hooks := append([]RoomHookFunc(nil), r.roomHooks...)
	r.mu.Unlock()
	sum := 0
	for _, h := range hooks {
		sum += h(roomNum)
	}
	return sum
}

func (r *Registry) RegisterDeleteHook(fn DeleteHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteHooks = append(r.deleteHooks, fn)
}

func (r *Registry) RunDeleteHooks(roomNum, msgNum int64) {
	r.mu.Lock()
	hooks := append([]DeleteHookFunc(nil), r.deleteHooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(roomNum, msgNum)
	}
}

func (r *Registry) RegisterXmsgHook(priority int, fn XmsgHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.xmsgHooks)
	for i > 0 && r.xmsgHooks[i-1].priority > priority {
		i--
	}
	r.xmsgHooks = append(r.xmsgHooks, xmsgHook{})
	copy(r.xmsgHooks[i+1:], r.xmsgHooks[i:])
	r.xmsgHooks[i] = xmsgHook{priority: priority, fn: fn}
}

// RunXmsgHooks runs hooks in priority order. All hooks of one priority
// class run; if any of them returned non-zero, later classes are skipped
// and the last non-zero value from that class is returned.
func (r *Registry) RunXmsgHooks(sender, senderEmail, recipient, text string) int {
	r.mu.Lock()
	hooks := make([]xmsgHook, len(r.xmsgHooks))
	copy(hooks, r.xmsgHooks)
	r.mu.Unlock()

	i := 0
	for i < len(hooks) {
		class := hooks[i].priority
		result := 0
		for i < len(hooks) && hooks[i].priority == class {
			if v := hooks[i].fn(sender, senderEmail, recipient, text); v != 0 {
				result = v
			}
			i++
		}
		if result != 0 {
			return result
		}
	}
	return 0
}

func (r *Registry) RegisterFixedOutputHook(fn FixedOutputHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixedOutputHooks = append(r.fixedOutputHooks, fn)
}

func (r *Registry) RunFixedOutputHooks(contentType string, body []byte) bool {
	r.mu.Lock()
	hooks := append([]FixedOutputHookFunc(nil), r.fixedOutputHooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		if h(contentType, body) {
			return true
		}
	}
	return false
}

func (r *Registry) RegisterSearchHook(name string, fn SearchHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchHooks[name] = fn
}

func (r *Registry) SearchHook(name string) (SearchHookFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.searchHooks[name]
	return fn, ok
}

// RegisterProtoHook binds a 4-character native-protocol verb to fn.
func (r *Registry) RegisterProtoHook(verb string, fn ProtoHookFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.protoHooks[verb]; exists {
		return fmt.Errorf("registry: proto verb %q already registered", verb)
	}
	r.protoHooks[verb] = fn
	return nil
}

func (r *Registry) ProtoHook(verb string) (ProtoHookFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.protoHooks[verb]
	return fn, ok
}

// RegisterService binds a listener, either a TCP address ("host:port")
// or, when addr begins with "/" or "./", a Unix-domain socket path, and
// records its greeting/command/async callbacks. Failure to bind is
// reported to the caller rather than treated as fatal, per spec 4.7 ("a
// single listener failing to bind is non-fatal").
func (r *Registry) RegisterService(name, addr string, greet GreetingFunc, cmd CommandFunc, async AsyncFunc) (*Listener, error) {
	isUDS := len(addr) > 0 && (addr[0] == '/' || addr[0] == '.')

	var ln net.Listener
	var err error
	if isUDS {
		os.Remove(addr)
		ln, err = net.Listen("unix", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: bind %s (%s): %v", name, addr, err)
	}

	l := &Listener{
		Name:     name,
		Net:      ln,
		IsUDS:    isUDS,
		Path:     addr,
		Greeting: greet,
		Command:  cmd,
		Async:    async,
	}

	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	r.Logf("registry: listening name=%s addr=%s uds=%v", name, addr, isUDS)
	return l, nil
}

// Listeners returns a snapshot of currently registered listeners, for
// the dispatcher's select/accept loop.
func (r *Registry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Listener(nil), r.listeners...)
}

// Shutdown closes every listener socket, unlinks bound UDS paths, and
// runs EVT_SHUTDOWN session hooks.
func (r *Registry) Shutdown(ctx interface{}) error {
	r.RunSessionHooks(ctx, EvtShutdown)

	r.mu.Lock()
	listeners := append([]*Listener(nil), r.listeners...)
	r.listeners = nil
	r.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.Net.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if l.IsUDS {
			os.Remove(l.Path)
		}
	}
	return firstErr
}
