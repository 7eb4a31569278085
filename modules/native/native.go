// Package native is Citadel's own line-oriented session protocol: the
// bootstrap login exchange (USER/PASS), room navigation (GOTO), and the
// idle-friendly NOOP/QUIT pair, per spec 4.3. It is the one protocol
// module this tree ships a real implementation of; every other wire
// protocol (SMTP, IMAP, POP3, NNTP, XMPP, managesieve...) is an external
// collaborator dispatched the same way through the registry's ProtoHook
// table, per spec's Non-goals.
package native

import (
	"context"
	"fmt"
	"strings"

	"citadel.example/server/auth"
	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/msgstore"
	"citadel.example/server/registry"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
)

// Module bundles the stores a session command needs to touch. One
// Module is shared by every connection; per-connection login state
// lives in each Context's Scratch field instead.
type Module struct {
	Users *userdir.Dir
	Rooms *roomdir.Dir
	Msgs  *msgstore.Store
	Cfg   *config.Store
	Auth  *auth.Authenticator
	Reg   *registry.Registry
	FQDN  string
	Logf  core.Logf
}

// loginState is the pending-login scratch a Context carries between its
// USER and PASS commands.
type loginState struct {
	pendingName string
	pendingUser *userdir.User
	isNew       bool
}

func stateOf(ctx *sessions.Context) *loginState {
	s, ok := ctx.Scratch.(*loginState)
	if !ok {
		s = &loginState{}
		ctx.Scratch = s
	}
	return s
}

// Register binds every verb this module understands into reg's ProtoHook
// table, per spec 4.7's "modules register verbs, the dispatcher looks
// them up by name" contract.
func (m *Module) Register(reg *registry.Registry) error {
	verbs := map[string]registry.ProtoHookFunc{
		"USER": m.cmdUser,
		"PASS": m.cmdPass,
		"NOOP": m.cmdNoop,
		"QUIT": m.cmdQuit,
		"GOTO": m.cmdGoto,
	}
	for verb, fn := range verbs {
		if err := reg.RegisterProtoHook(verb, fn); err != nil {
			return fmt.Errorf("native: register %s: %w", verb, err)
		}
	}
	return nil
}

// Greeting writes the connection banner, per spec 4.3's login sequence.
func (m *Module) Greeting(ctxI interface{}) {
	ctx := ctxI.(*sessions.Context)
	fmt.Fprintf(ctx.Conn, "200 %s Citadel server ready.\r\n", m.FQDN)
}

// Command looks up the verb in reg.ProtoHook and runs it. An unknown
// verb is a protocol-level error reply, not a session kill; only a
// command handler that wants to end the session sets KillMe itself
// (see cmdQuit).
func (m *Module) Command(ctxI interface{}, line string) error {
	ctx := ctxI.(*sessions.Context)
	verb, arg := splitVerb(line)
	fn, ok := m.Reg.ProtoHook(strings.ToUpper(verb))
	if !ok {
		fmt.Fprintf(ctx.Conn, "500 Unknown or unimplemented command.\r\n")
		return nil
	}
	return fn(ctx, arg)
}

func splitVerb(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func (m *Module) cmdUser(ctxI interface{}, arg string) error {
	ctx := ctxI.(*sessions.Context)
	name := strings.TrimSpace(arg)
	if name == "" {
		fmt.Fprintf(ctx.Conn, "501 A user name is required.\r\n")
		return nil
	}

	st := stateOf(ctx)
	u, err := m.Users.CtdlGetUser(name)
	switch {
	case err == nil:
		*st = loginState{pendingName: name, pendingUser: u}
		fmt.Fprintf(ctx.Conn, "300 Password required for %s\r\n", name)
	case err == core.ErrNotFound:
		if m.Cfg.GetInt("c_disable_newu") != 0 && !strings.EqualFold(name, m.Cfg.GetStr("c_sysadm")) {
			*st = loginState{}
			fmt.Fprintf(ctx.Conn, "540 No such user.\r\n")
			return nil
		}
		*st = loginState{pendingName: name, isNew: true}
		fmt.Fprintf(ctx.Conn, "304 %s - new user, enter desired password.\r\n", name)
	default:
		fmt.Fprintf(ctx.Conn, "550 Internal error looking up user.\r\n")
	}
	return nil
}

// cmdPass completes the login spec 4.3 step 2 describes: a new-account
// proposal is created with the password offered here (Citadel's classic
// bootstrap: whoever first logs in as the configured sysadm name, using
// whatever password they type, becomes the sysadm), an existing
// account's password is checked via the auth pipeline.
func (m *Module) cmdPass(ctxI interface{}, arg string) error {
	ctx := ctxI.(*sessions.Context)
	st := stateOf(ctx)
	password := strings.TrimSpace(arg)

	if st.pendingName == "" {
		fmt.Fprintf(ctx.Conn, "542 Send USER first.\r\n")
		return nil
	}

	var u *userdir.User
	if st.isNew {
		initAx := int(m.Cfg.GetInt("c_initax"))
		if strings.EqualFold(st.pendingName, m.Cfg.GetStr("c_sysadm")) {
			initAx = userdir.AxAide
		}
		created, err := m.Users.CreateUser(st.pendingName, initAx)
		if err != nil {
			fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
			*st = loginState{}
			return nil
		}
		created.Password = password
		m.Users.EnsureMailAddress(created, m.FQDN)
		if err := m.Users.CtdlPutUser(created, 0); err != nil {
			fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
			*st = loginState{}
			return nil
		}
		u = created
	} else {
		u = st.pendingUser
		if err := m.Auth.CheckPassword(context.Background(), u, password); err != nil {
			fmt.Fprintf(ctx.Conn, "540 Password incorrect.\r\n")
			*st = loginState{}
			return nil
		}
	}

	prevLogin, err := m.Auth.DoLogin(u)
	if err != nil {
		fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
		*st = loginState{}
		return nil
	}
	ctx.Login(u)
	*st = loginState{}
	m.Reg.RunSessionHooks(ctx, registry.EvtLogin)

	fmt.Fprintf(ctx.Conn, "200 %s|%d|%d|%d|%d|%d|%d\r\n",
		u.FullName, u.AxLevel, u.TimesCalled, u.Posts, u.Flags, u.UserNum, prevLogin)
	return nil
}

func (m *Module) cmdNoop(ctxI interface{}, arg string) error {
	ctx := ctxI.(*sessions.Context)
	fmt.Fprintf(ctx.Conn, "200 OK\r\n")
	return nil
}

// cmdQuit replies and marks the session for teardown; it does not
// return an error, since the dispatcher treats a non-nil Command error
// as an abnormal (KillWriteFailed) termination, and a client-requested
// quit is not abnormal.
func (m *Module) cmdQuit(ctxI interface{}, arg string) error {
	ctx := ctxI.(*sessions.Context)
	m.Reg.RunSessionHooks(ctx, registry.EvtLogout)
	fmt.Fprintf(ctx.Conn, "200 Goodbye.\r\n")
	ctx.KillMe(sessions.KillClientLoggedOut)
	return nil
}

func (m *Module) cmdGoto(ctxI interface{}, arg string) error {
	ctx := ctxI.(*sessions.Context)
	u, loggedIn := ctx.User()
	if !loggedIn {
		fmt.Fprintf(ctx.Conn, "540 Not logged in.\r\n")
		return nil
	}

	roomName := strings.TrimSpace(arg)
	if roomName == "" {
		roomName = "Lobby"
	}

	isAide := u.AxLevel >= userdir.AxAide
	granted, _, err := m.Rooms.CtdlRoomAccess(roomName, u.UserNum, u.AxLevel, false)
	if err != nil {
		fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
		return nil
	}
	if !granted {
		fmt.Fprintf(ctx.Conn, "540 Higher access required.\r\n")
		return nil
	}

	room, roomNum, err := m.Rooms.CtdlGetRoom(roomName)
	if err != nil {
		fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
		return nil
	}
	msgList, err := m.Msgs.ListRoomMessages(roomNum)
	if err != nil {
		fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
		return nil
	}
	bundle, err := m.Rooms.Goto(roomName, u.UserNum, msgList, isAide)
	if err != nil {
		fmt.Fprintf(ctx.Conn, "550 %v\r\n", err)
		return nil
	}

	ctx.Goto(room)
	m.Reg.RunSessionHooks(ctx, registry.EvtNewRoom)
	fmt.Fprintf(ctx.Conn, "200 %s|%d|%d|%d|%d\r\n",
		roomName, bundle.NewMsgs, bundle.TotalMsgs, bundle.Flags, bundle.DefView)
	return nil
}
