// Package smtpqueue is Citadel's outbound mail engine: it turns any
// message with internet recipients into a queue job in the hidden
// SMTP_SPOOLOUT_ROOM, then runs two timer-driven passes (spec 4.11)
// that deliver, retry, bounce, or warn on each job until it either
// succeeds or expires.
package smtpqueue

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/email"
	"citadel.example/server/email/dkim"
	"citadel.example/server/msgstore"
	"citadel.example/server/roomdir"
	"citadel.example/server/smtp/smtpclient"
	"citadel.example/server/third_party/imf"
)

// SpoolRoomName is the hidden system room all outbound queue jobs live
// in, per spec 4.11.
const SpoolRoomName = "SMTP_SPOOLOUT_ROOM"

// BounceSource is the From display name stamped on bounce/warning mail,
// per spec 4.11.
const BounceSource = "Citadel Mail Delivery Subsystem"

// retryWindow/retryBackoff/staleAttempt encode spec 4.11's literal
// re-attempt rule: "no attempted line, OR (attempted-submitted <= 4h
// and last attempt > 30m ago), OR last attempt > 4h ago".
const (
	retryWindow   = 4 * time.Hour
	retryBackoff  = 30 * time.Minute
	staleAttempt  = 4 * time.Hour
)

// Queue is the outbound-mail engine bound to one KVStore connection's
// worth of message/room stores.
type Queue struct {
	Msgs   *msgstore.Store
	Rooms  *roomdir.Dir
	Cfg    *config.Store
	Client *smtpclient.Client
	Logf   core.Logf
	FQDN   string

	// Signer DKIM-signs every outbound message when set. Citadel has no
	// spec requirement to sign, but a receiving MX is increasingly likely
	// to junk unsigned mail, so the queue signs opportunistically.
	Signer *dkim.Signer

	SpoolRoom int64

	highestProcessed int64
}

// New ensures the spool room exists and returns a ready Queue.
func New(ms *msgstore.Store, rd *roomdir.Dir, cfg *config.Store, cl *smtpclient.Client, fqdn string) (*Queue, error) {
	spool, err := rd.EnsureSystemRoom(SpoolRoomName)
	if err != nil {
		return nil, fmt.Errorf("smtpqueue: ensure spool room: %w", err)
	}
	return &Queue{
		Msgs:      ms,
		Rooms:     rd,
		Cfg:       cfg,
		Client:    cl,
		Logf:      func(string, ...interface{}) {},
		FQDN:      fqdn,
		SpoolRoom: spool,
	}, nil
}

// RegisterAfterSave wires the queue's job-generation hook into ms, per
// spec 4.11's "AfterSave hook for any message with internet recipients".
func (q *Queue) RegisterAfterSave() {
	q.Msgs.AfterSave = append(q.Msgs.AfterSave, q.afterSave)
}

// internetRecipients extracts comma-separated addresses from a
// message's R field that look like internet mail (contain an '@').
func internetRecipients(m *msgstore.Message) []string {
	raw, ok := m.Get(msgstore.TagRecipient)
	if !ok || raw == "" {
		return nil
	}
	addrs, err := imf.ParseAddressList(raw)
	if err != nil {
		// Fall back to a permissive split so one malformed recipient
		// doesn't drop the whole list.
		var out []string
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if strings.Contains(addr, "@") {
				out = append(out, addr)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if strings.Contains(a.Addr, "@") {
			out = append(out, a.Addr)
		}
	}
	return out
}

func fromAddress(m *msgstore.Message, fqdn string) string {
	if addr, ok := m.Get(msgstore.TagRFC822Addr); ok && addr != "" {
		if parsed, err := imf.ParseAddress(addr); err == nil {
			return parsed.Addr
		}
		return addr
	}
	author, _ := m.Get(msgstore.TagAuthor)
	return author + "@" + fqdn
}

func (q *Queue) afterSave(m *msgstore.Message, targets []msgstore.RoomTarget) {
	recipients := internetRecipients(m)
	if len(recipients) == 0 {
		return
	}
	job := &Job{
		PayloadMsgNum: m.MsgNum,
		Submitted:     time.Now().Unix(),
		BounceTo:      fromAddress(m, q.FQDN),
		EnvelopeFrom:  fromAddress(m, q.FQDN),
	}
	for _, addr := range recipients {
		job.Recipients = append(job.Recipients, Recipient{Address: addr, Class: ClassUntried})
	}
	qm := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:    "Citadel",
		msgstore.TagSubject:   "SMTP delivery job",
		msgstore.TagTimestamp: fmt.Sprintf("%d", job.Submitted),
		msgstore.TagBody:      job.Render(),
	}}
	if _, err := q.Msgs.CtdlSubmitMsg(qm, []msgstore.RoomTarget{{RoomNum: q.SpoolRoom}}); err != nil {
		q.Logf("smtpqueue: enqueue job for msg %d: %v", m.MsgNum, err)
	}
}

// RunQuickPass processes only jobs newer than the highest msgnum
// processed so far, per spec 4.11's per-House-event quick pass.
func (q *Queue) RunQuickPass(ctx context.Context) error {
	return q.runPass(ctx, q.highestProcessed)
}

// RunFullPass walks every queue message, per spec 4.11's once-a-minute
// full pass.
func (q *Queue) RunFullPass(ctx context.Context) error {
	return q.runPass(ctx, 0)
}

func (q *Queue) runPass(ctx context.Context, newerThan int64) error {
	list, err := q.Msgs.ListRoomMessages(q.SpoolRoom)
	if err != nil {
		return err
	}
	for _, msgNum := range list {
		if newerThan > 0 && msgNum <= newerThan {
			continue
		}
		if err := q.processJob(ctx, msgNum); err != nil {
			q.Logf("smtpqueue: process job %d: %v", msgNum, err)
		}
		if msgNum > q.highestProcessed {
			q.highestProcessed = msgNum
		}
	}
	return nil
}

// dueForRetry returns the indices of recipients eligible for another
// attempt this pass, or nil if the job isn't due yet.
func dueForRetry(job *Job, now time.Time) []int {
	pending := job.Pending()
	if len(pending) == 0 {
		return nil
	}
	if job.Attempted == 0 {
		return pending
	}
	submitted := time.Unix(job.Submitted, 0)
	lastAttempt := time.Unix(job.Attempted, 0)
	if lastAttempt.Sub(submitted) <= retryWindow && now.Sub(lastAttempt) > retryBackoff {
		return pending
	}
	if now.Sub(lastAttempt) > staleAttempt {
		return pending
	}
	return nil
}

func classForDelivery(d smtpclient.Delivery) byte {
	switch {
	case d.Success():
		return ClassSuccess
	case d.PermFailure():
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// processJob runs spec 4.11's per-job delivery/retry/bounce/warn logic
// for one queue message.
func (q *Queue) processJob(ctx context.Context, queueMsgNum int64) error {
	m, err := q.Msgs.CtdlFetchMessage(queueMsgNum, true)
	if err == core.ErrNotFound {
		return nil // already reaped by an earlier pass
	}
	if err != nil {
		return err
	}
	job, err := ParseJob(m.Body())
	if err != nil {
		return err
	}

	now := time.Now()

	if retry := dueForRetry(job, now); len(retry) > 0 {
		if err := q.attemptDelivery(ctx, job, retry); err != nil {
			return err
		}
		job.Attempted = now.Unix()
	}

	warnAfter := time.Duration(q.Cfg.GetInt("c_smtp_warn_hours")) * time.Hour
	failAfter := time.Duration(q.Cfg.GetInt("c_smtp_expire_hours")) * time.Hour
	elapsed := now.Sub(time.Unix(job.Submitted, 0))

	switch {
	case len(job.Pending()) == 0:
		return q.finishJob(queueMsgNum, job)

	case failAfter > 0 && elapsed >= failAfter:
		q.bounce(job, job.Pending(), "Delivery failed: message expired after repeated attempts.")
		return q.finishJob(queueMsgNum, job)

	case warnAfter > 0 && elapsed >= warnAfter && !job.Warned:
		q.warn(job, "Delivery is delayed; Citadel will keep retrying.")
		job.Warned = true
		return q.rewriteJob(queueMsgNum, job)

	default:
		return q.rewriteJob(queueMsgNum, job)
	}
}

// attemptDelivery fetches the payload, renders it to RFC822, and hands
// the still-pending recipients to the SMTP client, rewriting their
// status classes from the results.
func (q *Queue) attemptDelivery(ctx context.Context, job *Job, pending []int) error {
	payload, err := q.Msgs.CtdlFetchMessage(job.PayloadMsgNum, true)
	if err == core.ErrNotFound {
		// Payload already gone; nothing left to deliver.
		for _, i := range pending {
			job.Recipients[i].Class = ClassPermanent
			job.Recipients[i].Diagnostic = "payload message no longer exists"
		}
		return nil
	}
	if err != nil {
		return err
	}

	rfc822 := q.renderRFC822(payload, job.SourceRoom)
	addrs := make([]string, len(pending))
	for n, i := range pending {
		addrs[n] = job.Recipients[i].Address
	}

	results, err := q.Client.Send(ctx, job.EnvelopeFrom, addrs, bytes.NewReader(rfc822), int64(len(rfc822)))
	if err != nil {
		// Couldn't even start a delivery attempt; leave classes as they
		// are so the backoff window governs the next try.
		return nil
	}
	byAddr := make(map[string]smtpclient.Delivery, len(results))
	for _, d := range results {
		byAddr[d.Recipient] = d
	}
	for _, i := range pending {
		d, ok := byAddr[job.Recipients[i].Address]
		if !ok {
			continue
		}
		job.Recipients[i].Class = classForDelivery(d)
		job.Recipients[i].Diagnostic = d.Details
	}
	return nil
}

func (q *Queue) finishJob(queueMsgNum int64, job *Job) error {
	if err := q.Msgs.CtdlDeleteMessages(q.SpoolRoom, []int64{queueMsgNum}); err != nil {
		return err
	}
	return q.Msgs.RefQueue.Enqueue(job.PayloadMsgNum, -1)
}

func (q *Queue) rewriteJob(queueMsgNum int64, job *Job) error {
	if err := q.Msgs.CtdlDeleteMessages(q.SpoolRoom, []int64{queueMsgNum}); err != nil {
		return err
	}
	qm := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:    "Citadel",
		msgstore.TagSubject:   "SMTP delivery job",
		msgstore.TagTimestamp: fmt.Sprintf("%d", job.Submitted),
		msgstore.TagBody:      job.Render(),
	}}
	_, err := q.Msgs.CtdlSubmitMsg(qm, []msgstore.RoomTarget{{RoomNum: q.SpoolRoom}})
	return err
}

// bounce sends a delivery-failure notice to the job's bounce address
// for each recipient index in failed, reusing CtdlSubmitMsg so the
// bounce itself flows back through the same AfterSave hook.
func (q *Queue) bounce(job *Job, failed []int, reason string) {
	if job.BounceTo == "" || len(failed) == 0 {
		return
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\nThe following recipients could not be reached:\n\n", reason)
	for _, i := range failed {
		r := job.Recipients[i]
		fmt.Fprintf(&body, "  %s: %s\n", r.Address, r.Diagnostic)
	}
	m := &msgstore.Message{Fields: map[byte]string{
		msgstore.TagAuthor:     BounceSource,
		msgstore.TagRFC822Addr: "postmaster@" + q.FQDN,
		msgstore.TagRecipient:  job.BounceTo,
		msgstore.TagSubject:    "Delivery failure notice",
		msgstore.TagTimestamp:  fmt.Sprintf("%d", time.Now().Unix()),
		msgstore.TagBody:       body.String(),
	}}
	if _, err := q.Msgs.CtdlSubmitMsg(m, nil); err != nil {
		q.Logf("smtpqueue: send bounce to %s: %v", job.BounceTo, err)
	}
}

func (q *Queue) warn(job *Job, reason string) {
	q.bounce(job, job.Pending(), reason)
}

// renderRFC822 produces the minimal RFC822 form of payload for upload
// to a remote MX, injecting a List-Unsubscribe header when the message
// originated from a room (a mailing-list-style send), per spec 4.11
// step 3.
func (q *Queue) renderRFC822(payload *msgstore.Message, sourceRoom string) []byte {
	fqdn := q.FQDN
	author, _ := payload.Get(msgstore.TagAuthor)
	from := imf.FormatAddress(&email.Address{Name: author, Addr: fromAddress(payload, fqdn)})
	subject, _ := payload.Get(msgstore.TagSubject)
	msgid, ok := payload.Get(msgstore.TagMsgID)
	if !ok || msgid == "" {
		msgid = fmt.Sprintf("<%d@%s>", payload.MsgNum, fqdn)
	}
	date := time.Now().Format(time.RFC1123Z)

	headers := headerMap{
		"from":       from,
		"subject":    subject,
		"message-id": msgid,
		"date":       date,
	}
	if sourceRoom != "" {
		headers["list-unsubscribe"] = fmt.Sprintf("<mailto:%s-unsubscribe@%s>", unsubscribeToken(sourceRoom), fqdn)
	}

	var b bytes.Buffer
	if q.Signer != nil {
		if sig, err := q.Signer.Sign(headers, strings.NewReader(payload.Body())); err == nil {
			fmt.Fprintf(&b, "DKIM-Signature: %s\r\n", sig)
		} else {
			q.Logf("smtpqueue: dkim sign msg %d: %v", payload.MsgNum, err)
		}
	}
	fmt.Fprintf(&b, "From: %s\r\n", headers["from"])
	fmt.Fprintf(&b, "Subject: %s\r\n", headers["subject"])
	fmt.Fprintf(&b, "Message-ID: %s\r\n", headers["message-id"])
	fmt.Fprintf(&b, "Date: %s\r\n", headers["date"])
	if v, ok := headers["list-unsubscribe"]; ok {
		fmt.Fprintf(&b, "List-Unsubscribe: %s\r\n", v)
	}
	b.WriteString("\r\n")
	b.WriteString(payload.Body())
	return b.Bytes()
}

// headerMap implements dkim.Header over the small fixed set of headers
// renderRFC822 emits.
type headerMap map[string]string

func (h headerMap) Get(name string) string { return h[strings.ToLower(name)] }

func unsubscribeToken(roomName string) string {
	var out strings.Builder
	for _, r := range strings.ToLower(roomName) {
		if r == ' ' {
			out.WriteByte('-')
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			out.WriteRune(r)
		}
	}
	return out.String()
}
