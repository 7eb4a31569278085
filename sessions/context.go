// Package sessions is Citadel's CitContext/Dispatcher layer: the live
// per-connection session state, the worker pool that drives it, idle
// reaping, single-user mode, and express (instant) messages.
//
// Per spec 9's own redesign note, the C original's select()-driven
// worker pool collapses here into one goroutine per accepted
// connection bounded by a grow/shrink semaphore, matching
// smtp/smtpserver's goroutine-per-session shape generalized with an
// explicit worker-count policy.
package sessions

import (
	"net"
	"sync"
	"time"

	"citadel.example/server/roomdir"
	"citadel.example/server/userdir"
)

// KillReason enumerates why a session was torn down; used for logging
// only, per spec 4.8.
type KillReason int

const (
	KillNone KillReason = iota
	KillClientLoggedOut
	KillIdle
	KillClientDisconnected
	KillAuthFailed
	KillServerShuttingDown
	KillMaxSessionsExceeded
	KillAdminTerminate
	KillSelectInterrupted
	KillSelectFailed
	KillWriteFailed
	KillSimulationWorker
	KillNoLogin
	KillNoCrypto
	KillReadstringFailed
	KillMallocFailed
	KillQuota
	KillReadFailed
	KillSpammer
	KillXMLParser
)

func (k KillReason) String() string {
	switch k {
	case KillNone:
		return "none"
	case KillClientLoggedOut:
		return "client-logged-out"
	case KillIdle:
		return "idle"
	case KillClientDisconnected:
		return "client-disconnected"
	case KillAuthFailed:
		return "auth-failed"
	case KillServerShuttingDown:
		return "server-shutting-down"
	case KillMaxSessionsExceeded:
		return "max-sessions-exceeded"
	case KillAdminTerminate:
		return "admin-terminate"
	case KillSelectInterrupted:
		return "select-interrupted"
	case KillSelectFailed:
		return "select-failed"
	case KillWriteFailed:
		return "write-failed"
	case KillSimulationWorker:
		return "simulation-worker"
	case KillNoLogin:
		return "no-login"
	case KillNoCrypto:
		return "no-crypto"
	case KillReadstringFailed:
		return "readstring-failed"
	case KillMallocFailed:
		return "malloc-failed"
	case KillQuota:
		return "quota"
	case KillReadFailed:
		return "read-failed"
	case KillSpammer:
		return "spammer"
	case KillXMLParser:
		return "xml-parser"
	default:
		return "unknown"
	}
}

// State is a session's lifecycle state, per spec 3's CitContext
// transition list.
type State int

const (
	StateGreeting State = iota
	StateExecuting
	StateIdle
	StateReady
)

// ExpressMessage is one queued instant message.
type ExpressMessage struct {
	Sender string
	Text   string
	When   time.Time
}

// Context is the live state of one connection: spec 3's CitContext,
// with the doubly-linked list and thread-local binding redesigned per
// spec 9 into a value owned by its worker goroutine and additionally
// indexed by the Dispatcher under a mutex-guarded map.
type Context struct {
	ID      int64 // monotonic, never 0, never reused within a process lifetime
	Service string
	Conn    net.Conn
	TLS     bool
	Host    string
	PeerUID int32 // -1 if unknown (SO_PEERCRED unavailable, e.g. not UDS)

	mu          sync.Mutex
	state       State
	user        *userdir.User
	loggedIn    bool
	room        *roomdir.Room
	lastCmd     time.Time
	lastIdle    time.Time
	killMe      KillReason
	asyncWaitMu sync.Mutex
	asyncWait   int
	express     []ExpressMessage

	// DontTerm suppresses idle reaping (e.g. a session mid-transfer).
	DontTerm bool

	// Scratch is an opaque per-protocol pointer; dispatcher never reads it.
	Scratch interface{}

	// LDAPBindDN is set once a session authenticates via an LDAP bind.
	LDAPBindDN string

	redirectStack []*redirectFrame
}

type redirectFrame struct {
	buf []byte
}

// NewContext constructs a Context bound to conn in state Greeting.
func NewContext(id int64, service string, conn net.Conn, host string) *Context {
	now := time.Now()
	return &Context{
		ID:       id,
		Service:  service,
		Conn:     conn,
		Host:     host,
		PeerUID:  -1,
		state:    StateGreeting,
		lastCmd:  now,
		lastIdle: now,
	}
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Touch records command activity, resetting the idle clock.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCmd = time.Now()
}

func (c *Context) LastCmd() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmd
}

// IdleFor reports how long the session has gone without a command.
func (c *Context) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastCmd)
}

func (c *Context) KillMe(reason KillReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killMe == KillNone {
		c.killMe = reason
	}
}

func (c *Context) KillReason() KillReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killMe
}

// Login binds u as the logged-in user of this session.
func (c *Context) Login(u *userdir.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
	c.loggedIn = true
}

func (c *Context) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = nil
	c.loggedIn = false
	c.room = nil
}

func (c *Context) User() (*userdir.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.loggedIn
}

func (c *Context) Goto(r *roomdir.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = r
}

func (c *Context) Room() *roomdir.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// AsyncWaiting reports the count of pending async events (express
// messages, etc); a context with AsyncWaiting()>0 is woken by the
// dispatcher even while nominally idle.
func (c *Context) AsyncWaiting() int {
	c.asyncWaitMu.Lock()
	defer c.asyncWaitMu.Unlock()
	return c.asyncWait
}

// QueueExpressMessage appends an instant message and bumps the async
// counter so the next protocol reply can report its presence.
func (c *Context) QueueExpressMessage(m ExpressMessage) {
	c.asyncWaitMu.Lock()
	defer c.asyncWaitMu.Unlock()
	c.express = append(c.express, m)
	c.asyncWait++
}

// DrainExpressMessages returns and clears all queued instant messages.
func (c *Context) DrainExpressMessages() []ExpressMessage {
	c.asyncWaitMu.Lock()
	defer c.asyncWaitMu.Unlock()
	msgs := c.express
	c.express = nil
	c.asyncWait = 0
	return msgs
}

// PushRedirect pushes a capture buffer; protocol modules use this to
// capture command output instead of writing to the socket, replacing
// the C original's single global redirect_buffer with a stack so
// nested captures nest safely.
func (c *Context) PushRedirect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirectStack = append(c.redirectStack, &redirectFrame{})
}

// WriteRedirect appends to the top capture frame if one is active,
// reporting whether a frame consumed the bytes.
func (c *Context) WriteRedirect(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.redirectStack) == 0 {
		return false
	}
	top := c.redirectStack[len(c.redirectStack)-1]
	top.buf = append(top.buf, p...)
	return true
}

// PopRedirect pops and returns the top capture frame's contents.
func (c *Context) PopRedirect() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.redirectStack)
	if n == 0 {
		return nil
	}
	top := c.redirectStack[n-1]
	c.redirectStack = c.redirectStack[:n-1]
	return top.buf
}
