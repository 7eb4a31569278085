package sessions

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"citadel.example/server/core"
	"citadel.example/server/registry"
)

// Table is the process-wide context list (spec 3's singly linked list,
// redesigned per spec 9 into a mutex-guarded map keyed by session id so
// scans don't walk prev/next pointers). It stands in for S_SESSION_TABLE.
type Table struct {
	mu       sync.Mutex
	byID     map[int64]*Context
	nextID   int64
	singleUser int32 // atomic bool
}

func NewTable() *Table {
	return &Table{byID: make(map[int64]*Context)}
}

// newSessionID returns the next monotonic, never-zero, never-reused
// session id for the life of this process.
func (t *Table) newSessionID() int64 {
	return atomic.AddInt64(&t.nextID, 1)
}

func (t *Table) add(c *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ID] = c
}

func (t *Table) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Get returns the live context with the given id, if any.
func (t *Table) Get(id int64) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	return c, ok
}

// Snapshot copies the context list under lock, per spec 4.8's
// CtdlGetContextArray, so scans that may call out to arbitrary code
// (hook invocations, "who's online" listings) can run without holding
// the table lock.
func (t *Table) Snapshot() []*Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Context, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// TrySingleUser attempts to enter single-user mode, succeeding only if
// no other caller currently holds it.
func (t *Table) TrySingleUser() bool {
	return atomic.CompareAndSwapInt32(&t.singleUser, 0, 1)
}

func (t *Table) LeaveSingleUser() {
	atomic.StoreInt32(&t.singleUser, 0)
}

// IsSingleUser reports true only when single-user mode is held AND
// exactly one session is live, per spec 4.8.
func (t *Table) IsSingleUser() bool {
	return atomic.LoadInt32(&t.singleUser) != 0 && t.Count() == 1
}

// TerminateBits is the outcome bitmask of CtdlTerminateOtherSession.
type TerminateBits int

const (
	TerminateFound TerminateBits = 1 << iota
	TerminateAllowed
	TerminateKilled
)

// TerminateOtherSession applies spec 4.8's termination rule: a user may
// kill their own other sessions; admins may kill anyone's except their
// own current one.
func (t *Table) TerminateOtherSession(requesterID, requesterUserNum int64, requesterIsAdmin bool, targetID int64) TerminateBits {
	target, ok := t.Get(targetID)
	if !ok {
		return 0
	}
	bits := TerminateFound
	if targetID == requesterID {
		return bits
	}
	allowed := requesterIsAdmin
	if u, loggedIn := target.User(); loggedIn && u.UserNum == requesterUserNum {
		allowed = true
	}
	if !allowed {
		return bits
	}
	bits |= TerminateAllowed
	target.KillMe(KillAdminTerminate)
	target.Conn.Close()
	bits |= TerminateKilled
	return bits
}

// Dispatcher is Citadel's worker-pool/accept layer (spec 4.8, 9). Per
// spec 9's own redesign note, the C original's select()-driven worker
// pool collapses into one goroutine per accepted connection; a semaphore
// sized to c_max_workers bounds how many of them serve a session at once,
// and the rest wait for a slot. One additional goroutine per registered
// listener runs the accept loop.
type Dispatcher struct {
	Registry *registry.Registry
	Table    *Table
	Logf     core.Logf

	MaxSessions int32
	MaxWorkers  int32
	IdleTimeout time.Duration

	sem chan struct{}

	liveSessions prometheus.Gauge
	workersInUse prometheus.Gauge
}

func NewDispatcher(reg *registry.Registry, table *Table) *Dispatcher {
	d := &Dispatcher{
		Registry:    reg,
		Table:       table,
		Logf:        func(string, ...interface{}) {},
		MaxSessions: 500,
		MaxWorkers:  64,
		IdleTimeout: 15 * time.Minute,
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "citadel_live_sessions",
			Help: "Number of currently connected sessions.",
		}),
		workersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "citadel_workers_in_use",
			Help: "Number of worker goroutines currently bound to a session.",
		}),
	}
	d.sem = make(chan struct{}, d.MaxWorkers)
	return d
}

// Collectors returns the Prometheus collectors the caller should
// register, per SPEC_FULL 11's dispatcher worker-pool gauges.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.liveSessions, d.workersInUse}
}

// Serve runs the accept loop for every listener currently registered
// and blocks until stop is closed.
func (d *Dispatcher) Serve(stop <-chan struct{}) {
	var wg sync.WaitGroup
	for _, l := range d.Registry.Listeners() {
		wg.Add(1)
		go func(l *registry.Listener) {
			defer wg.Done()
			d.acceptLoop(l, stop)
		}(l)
	}
	<-stop
	wg.Wait()
}

func (d *Dispatcher) acceptLoop(l *registry.Listener, stop <-chan struct{}) {
	for {
		conn, err := l.Net.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				d.Logf("dispatcher: accept on %s: %v", l.Name, err)
				return
			}
		}
		if d.Table.Count() >= int(d.MaxSessions) {
			// Backpressure: spec 5's "too many users" greeting, then drop.
			conn.Write([]byte("ERROR+MaxSessionsExceeded Too many users are already online.\r\n"))
			conn.Close()
			continue
		}
		go d.serveConn(l, conn)
	}
}

func (d *Dispatcher) serveConn(l *registry.Listener, conn net.Conn) {
	select {
	case d.sem <- struct{}{}:
	default:
		// Pool is saturated; block until a worker frees up, so no more
		// than c_max_workers connections are served at once.
		d.sem <- struct{}{}
	}
	d.workersInUse.Inc()
	defer func() {
		<-d.sem
		d.workersInUse.Dec()
	}()

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ctx := NewContext(d.Table.newSessionID(), l.Name, conn, host)
	ctx.PeerUID = peerCredUID(conn)

	d.Table.add(ctx)
	d.liveSessions.Inc()
	defer func() {
		d.Table.remove(ctx.ID)
		d.liveSessions.Dec()
		conn.Close()
	}()

	d.Registry.RunSessionHooks(ctx, registry.EvtStart)
	defer d.Registry.RunSessionHooks(ctx, registry.EvtStop)

	if l.Greeting != nil {
		ctx.SetState(StateGreeting)
		l.Greeting(ctx)
	}
	ctx.SetState(StateExecuting)

	if l.Command == nil {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		if ctx.KillReason() != KillNone {
			return
		}
		if d.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(d.IdleTimeout + 5*time.Second))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			ctx.KillMe(KillClientDisconnected)
			return
		}
		ctx.Touch()
		ctx.SetState(StateExecuting)
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		if err := l.Command(ctx, line); err != nil {
			ctx.KillMe(KillWriteFailed)
			return
		}
		ctx.SetState(StateIdle)
	}
}

// ReapIdle scans the table once and kills every session idle longer
// than idleTimeout, unless DontTerm is set, per spec 4.8/4.10's idle
// reaper and the "idle reaper safety" invariant in spec 8.
func (t *Table) ReapIdle(idleTimeout time.Duration, logf core.Logf) {
	for _, c := range t.Snapshot() {
		if c.DontTerm {
			continue
		}
		if c.State() != StateIdle {
			continue
		}
		if c.IdleFor() <= idleTimeout {
			continue
		}
		c.KillMe(KillIdle)
		c.Conn.Close()
		if logf != nil {
			u, _ := c.User()
			name := "unauthenticated"
			if u != nil {
				name = u.FullName
			}
			logf("sessions: reaped idle session id=%d user=%q", c.ID, name)
		}
	}
}

// PurgeDead removes from the table every context whose kill reason is
// set and whose state is StateIdle; serveConn itself always removes its
// own entry, so PurgeDead exists for the rare case of a context that
// never completed its teardown (e.g. a killed supervisor path). It
// applies no rate limit of its own; its caller decides how often it runs.
func (t *Table) PurgeDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.byID {
		if c.KillReason() != KillNone && c.State() == StateIdle {
			delete(t.byID, id)
		}
	}
}

// peerCredUID reads SO_PEERCRED off a Unix-domain socket connection
// where the platform supports it. This default returns -1;
// peercred_linux.go replaces it on Linux.
var peerCredUID = func(conn net.Conn) int32 { return -1 }
