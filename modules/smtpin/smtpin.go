// Package smtpin is a minimal inbound-SMTP protocol module: just enough
// of RFC 5321's command set (HELO/EHLO, MAIL, RCPT, DATA, RSET, NOOP,
// QUIT) to accept a message addressed to a local user and deliver it
// into that user's mailbox room, demonstrating the protocol-module
// contract spec 4.12 describes. The individual protocol command tables
// are explicitly out of scope per spec's Non-goals; this module exists
// to show the contract wired end to end, not to replace a real MTA's
// front door (no AUTH, no size-aware streaming, no SMTPUTF8).
package smtpin

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"citadel.example/server/core"
	"citadel.example/server/email/dkim"
	"citadel.example/server/msgstore"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/userdir"
)

// maxRecipients and maxBodyBytes bound one transaction; spec.md's own
// SMTP scope note says 100 recipients is the protocol-mandated minimum,
// which this module treats as its ceiling too.
const (
	maxRecipients = 100
	maxBodyBytes  = 25 << 20
)

// Module holds the stores an inbound delivery needs to reach.
type Module struct {
	Users    *userdir.Dir
	Rooms    *roomdir.Dir
	Msgs     *msgstore.Store
	Verifier *dkim.Verifier
	FQDN     string
	Logf     core.Logf
}

type transaction struct {
	helo     string
	mailFrom string
	rcptTo   []string
	inData   bool
	body     bytes.Buffer
}

func stateOf(ctx *sessions.Context) *transaction {
	t, ok := ctx.Scratch.(*transaction)
	if !ok {
		t = &transaction{}
		ctx.Scratch = t
	}
	return t
}

// Greeting writes the 220 banner, per RFC 5321 3.1.
func (m *Module) Greeting(ctxI interface{}) {
	ctx := ctxI.(*sessions.Context)
	fmt.Fprintf(ctx.Conn, "220 %s ESMTP Citadel ready\r\n", m.FQDN)
}

// Command runs one line of the session. Unlike native's verb table,
// inbound SMTP's DATA phase consumes raw lines until the lone-dot
// terminator, so this module dispatches off its own per-connection
// transaction state rather than registry.ProtoHook.
func (m *Module) Command(ctxI interface{}, line string) error {
	ctx := ctxI.(*sessions.Context)
	t := stateOf(ctx)

	if t.inData {
		return m.dataLine(ctx, t, line)
	}

	verb, arg := splitVerb(line)
	switch strings.ToUpper(verb) {
	case "HELO", "EHLO":
		t.helo = strings.TrimSpace(arg)
		fmt.Fprintf(ctx.Conn, "250 %s\r\n", m.FQDN)
	case "MAIL":
		addr, ok := parseMailArg(arg, "FROM:")
		if !ok {
			fmt.Fprintf(ctx.Conn, "501 Syntax: MAIL FROM:<address>\r\n")
			return nil
		}
		*t = transaction{helo: t.helo, mailFrom: addr}
		fmt.Fprintf(ctx.Conn, "250 OK\r\n")
	case "RCPT":
		if t.mailFrom == "" {
			fmt.Fprintf(ctx.Conn, "503 Need MAIL before RCPT\r\n")
			return nil
		}
		addr, ok := parseMailArg(arg, "TO:")
		if !ok {
			fmt.Fprintf(ctx.Conn, "501 Syntax: RCPT TO:<address>\r\n")
			return nil
		}
		if len(t.rcptTo) >= maxRecipients {
			fmt.Fprintf(ctx.Conn, "452 Too many recipients\r\n")
			return nil
		}
		if _, err := m.resolveLocalUser(addr); err != nil {
			fmt.Fprintf(ctx.Conn, "550 No such user here\r\n")
			return nil
		}
		t.rcptTo = append(t.rcptTo, addr)
		fmt.Fprintf(ctx.Conn, "250 OK\r\n")
	case "DATA":
		if t.mailFrom == "" || len(t.rcptTo) == 0 {
			fmt.Fprintf(ctx.Conn, "503 Need MAIL and RCPT before DATA\r\n")
			return nil
		}
		t.inData = true
		fmt.Fprintf(ctx.Conn, "354 Start mail input; end with <CRLF>.<CRLF>\r\n")
	case "RSET":
		*t = transaction{helo: t.helo}
		fmt.Fprintf(ctx.Conn, "250 OK\r\n")
	case "NOOP":
		fmt.Fprintf(ctx.Conn, "250 OK\r\n")
	case "QUIT":
		fmt.Fprintf(ctx.Conn, "221 %s closing connection\r\n", m.FQDN)
		ctx.KillMe(sessions.KillClientLoggedOut)
	default:
		fmt.Fprintf(ctx.Conn, "500 Command not recognized\r\n")
	}
	return nil
}

// dataLine accumulates one line of message body, un-dot-stuffing per
// RFC 5321 4.5.2, until the lone "." terminator ends the transaction.
func (m *Module) dataLine(ctx *sessions.Context, t *transaction, line string) error {
	if line == "." {
		t.inData = false
		body := t.body.Bytes()
		pending := &transaction{mailFrom: t.mailFrom, rcptTo: t.rcptTo}
		*t = transaction{helo: t.helo}
		return m.deliver(ctx, pending, body)
	}
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	if t.body.Len()+len(line)+1 > maxBodyBytes {
		fmt.Fprintf(ctx.Conn, "552 Message too large\r\n")
		t.inData = false
		*t = transaction{helo: t.helo}
		return nil
	}
	t.body.WriteString(line)
	t.body.WriteByte('\n')
	return nil
}

// deliver runs DKIM verification (best-effort; a failure is logged, not
// fatal, since this module has no DNS resolver wired for TXT lookups in
// this tree and verification would otherwise always fail closed) and
// submits one copy of the message into each resolved recipient's
// mailbox room.
func (m *Module) deliver(ctx *sessions.Context, t *transaction, rawBody []byte) error {
	mailFrom, rcptTo := t.mailFrom, t.rcptTo

	if m.Verifier != nil {
		if err := m.Verifier.Verify(context.Background(), bytes.NewReader(rawBody)); err != nil {
			m.logf("smtpin: dkim verify from %s: %v (accepting anyway, no DNS resolver wired)", mailFrom, err)
		}
	}

	subject, body := splitHeaderBody(string(rawBody))

	var targets []msgstore.RoomTarget
	for _, rcpt := range rcptTo {
		u, err := m.resolveLocalUser(rcpt)
		if err != nil {
			continue
		}
		roomNum, err := m.ensureMailboxRoom(u)
		if err != nil {
			m.logf("smtpin: mailbox room for %s: %v", u.FullName, err)
			continue
		}
		targets = append(targets, msgstore.RoomTarget{RoomNum: roomNum})
	}
	if len(targets) == 0 {
		fmt.Fprintf(ctx.Conn, "550 No valid local recipients\r\n")
		return nil
	}

	msg := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:     mailFrom,
		msgstore.TagRFC822Addr: mailFrom,
		msgstore.TagSubject:    subject,
		msgstore.TagTimestamp:  fmt.Sprintf("%d", time.Now().Unix()),
		msgstore.TagBody:       body,
	}}
	if _, err := m.Msgs.CtdlSubmitMsg(msg, targets); err != nil {
		fmt.Fprintf(ctx.Conn, "451 Delivery failed, try again later\r\n")
		return nil
	}
	fmt.Fprintf(ctx.Conn, "250 Message accepted for delivery\r\n")
	return nil
}

// resolveLocalUser maps an RFC 5321 recipient address to a local user,
// first by the address's local-part as a display name, falling back to
// a scan over each user's canonical email (covers addresses a user
// claimed via EnsureMailAddress that don't match their display name).
func (m *Module) resolveLocalUser(addr string) (*userdir.User, error) {
	local := addr
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		local = addr[:i]
	}
	if u, err := m.Users.CtdlGetUser(local); err == nil {
		return u, nil
	}

	var found *userdir.User
	err := m.Users.ForEachUser(func(u *userdir.User) error {
		if found != nil {
			return nil
		}
		if strings.EqualFold(u.CanonicalEmail(), addr) {
			found = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, core.ErrNotFound
	}
	return found, nil
}

// ensureMailboxRoom gets or creates u's personal mail-receiving room,
// per spec 3's QRMailbox/OwnerUserNum room model.
func (m *Module) ensureMailboxRoom(u *userdir.User) (int64, error) {
	name := mailboxRoomName(u)
	if _, roomNum, err := m.Rooms.CtdlGetRoom(name); err == nil {
		return roomNum, nil
	} else if err != core.ErrNotFound {
		return 0, err
	}

	roomNum, err := m.Rooms.CtdlCreateRoom(name, roomdir.QRMailbox|roomdir.QRPrivate, "", 0, roomdir.ViewMailbox)
	if err != nil {
		return 0, err
	}
	room, _, err := m.Rooms.CtdlGetRoom(name)
	if err != nil {
		return 0, err
	}
	room.OwnerUserNum = u.UserNum
	if err := m.Rooms.CtdlPutRoom(name, roomNum, room); err != nil {
		return 0, err
	}
	return roomNum, nil
}

func mailboxRoomName(u *userdir.User) string {
	return fmt.Sprintf("%s]Mail", u.FullName)
}

func (m *Module) logf(format string, args ...interface{}) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

func splitVerb(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// parseMailArg extracts the bracketed address from a MAIL/RCPT argument
// of the form "FROM:<addr>" or "TO:<addr>" (case-insensitive keyword,
// optional SIZE= and other parameters after the address are ignored).
func parseMailArg(arg, keyword string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(keyword):])
	start := strings.IndexByte(rest, '<')
	end := strings.IndexByte(rest, '>')
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	addr := rest[start+1 : end]
	if addr == "" {
		return "", false
	}
	return addr, true
}

// splitHeaderBody pulls a Subject: header out of a raw RFC 822 message
// for the message store's Subject tag, leaving the rest as the body.
func splitHeaderBody(raw string) (subject, body string) {
	lines := strings.Split(raw, "\n")
	i := 0
	for ; i < len(lines); i++ {
		if lines[i] == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(lines[i]), "subject:") {
			subject = strings.TrimSpace(lines[i][len("subject:"):])
		}
	}
	if i < len(lines) {
		body = strings.Join(lines[i+1:], "\n")
	} else {
		body = raw
	}
	return subject, body
}
