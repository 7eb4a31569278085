// Package smtpclient is the outbound half of Citadel's SMTP transport:
// MX resolution, per-recipient spooling by mail exchanger, and delivery
// with an smtps-first/STARTTLS-opportunistic handshake, per spec 4.11
// step 2 ("attempt smtps://host first; on connection failure fall back
// to smtp://host... STARTTLS is opportunistic unless disabled").
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Logf receives one line per delivery attempt, queue-style. A nil Logf
// is treated as a no-op.
type Logf func(format string, args ...interface{})

type Client struct {
	LocalHostname string   // name of this host
	LocalAddr     net.Addr // address on this host to send from
	Resolver      *net.Resolver
	Logf          Logf

	// DisableImplicitTLS skips the smtps:// (port 465) attempt and dials
	// smtp:// with opportunistic STARTTLS directly.
	DisableImplicitTLS bool

	// implicitTLSPort/plainPort default to 465/25 (smtps/smtp); tests
	// override them to point at a loopback listener instead of
	// requiring a privileged port.
	implicitTLSPort string
	plainPort       string

	limiter chan struct{} // per open connection
}

func NewClient(localHostname string, maxConcurrent int) *Client {
	return &Client{
		Resolver:        net.DefaultResolver,
		LocalHostname:   localHostname,
		Logf:            func(string, ...interface{}) {},
		implicitTLSPort: "465",
		plainPort:       "25",
		limiter:         make(chan struct{}, maxConcurrent),
	}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

type Delivery struct {
	Recipient string
	Code      int
	Details   string
	Date      time.Time
	Error     error
}

func (d Delivery) Success() bool     { return d.Code == 250 && d.Error == nil }
func (d Delivery) PermFailure() bool { return d.Code >= 500 }
func (d Delivery) TempFailure() bool { return (d.Code >= 400 && d.Code < 500) || d.Error != nil }

// Send resolves the MX set for every recipient's domain (spec 4.11 step
// 1), groups recipients by domain, and delivers each group's message to
// the domain's mail exchangers in preference order (step 2).
func (c *Client) Send(ctx context.Context, from string, recipients []string, contents io.ReaderAt, contentSize int64) (results []Delivery, err error) {
	mxHosts := make(map[string][]string) // domain -> MX hosts, low-to-high preference
	spools := make(map[string][]string)  // domain -> recipients

	for _, to := range recipients {
		domain := to[strings.LastIndexByte(to, '@')+1:]
		if _, ok := mxHosts[domain]; !ok {
			mxs, err := c.Resolver.LookupMX(ctx, domain)
			if err != nil {
				continue
			}
			sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
			hosts := make([]string, len(mxs))
			for i, opt := range mxs {
				hosts[i] = strings.TrimSuffix(opt.Host, ".")
			}
			mxHosts[domain] = hosts
		}
		if len(mxHosts[domain]) == 0 {
			continue
		}
		spools[domain] = append(spools[domain], to)
	}

	select {
	case <-ctx.Done():
		return nil, context.Canceled
	default:
	}

	deliveries := 0
	for _, rcpts := range spools {
		deliveries += len(rcpts)
	}

	resultsCh := make(chan Delivery, deliveries)
	go func() {
		for domain, rcpts := range spools {
			r := io.NewSectionReader(contents, 0, contentSize)
			results := c.sendToDomain(ctx, domain, mxHosts[domain], from, rcpts, r)
			for _, res := range results {
				resultsCh <- res
			}
		}
	}()

	results = make([]Delivery, deliveries)
	for i := range results {
		results[i] = <-resultsCh
	}
	return results, nil
}

// sendToDomain tries each of hosts in MX preference order, per spec
// 4.11 step 2, stopping at the first host that accepts a connection.
// r must support being read more than once across attempts, so callers
// pass a fresh io.SectionReader per domain and sendToDomain rewinds it
// itself between hosts.
func (c *Client) sendToDomain(ctx context.Context, domain string, hosts []string, from string, recipients []string, r *io.SectionReader) (results []Delivery) {
	var lastErr error
	for _, host := range hosts {
		r.Seek(0, io.SeekStart)
		results, lastErr = c.deliver(ctx, host, from, recipients, r)
		if lastErr == nil {
			return results
		}
		c.logf("smtpclient: %s via %s: %v, trying next MX", domain, host, lastErr)
	}
	results = make([]Delivery, len(recipients))
	for i, rcpt := range recipients {
		results[i] = Delivery{Recipient: rcpt, Error: lastErr}
	}
	return results
}

// deliver connects to host and hands off recipients/r. It attempts
// implicit TLS on port 465 (smtps://) first, per spec 4.11 step 2; on
// connection failure it falls back to plaintext port 25 with
// opportunistic STARTTLS (a STARTTLS failure there is not fatal, the
// message goes out in the clear, same as the spec's "opportunistic
// unless disabled" wording).
func (c *Client) deliver(ctx context.Context, host string, from string, recipients []string, r io.Reader) (results []Delivery, err error) {
	select {
	case c.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Canceled
	}
	defer func() { <-c.limiter }()

	dialer := &net.Dialer{
		Resolver:  c.Resolver,
		LocalAddr: c.LocalAddr,
	}
	tlsConfig := &tls.Config{
		ServerName: host,
		// TODO: do better for servers we know we can trust:
		// https://starttls-everywhere.org/
		InsecureSkipVerify: true,
	}

	var mxConn *smtp.Client
	implicitTLS := false
	if !c.DisableImplicitTLS {
		tlsConn, dialErr := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, c.implicitTLSPort), tlsConfig)
		if dialErr == nil {
			if mxConn, err = smtp.NewClient(tlsConn, host); err == nil {
				implicitTLS = true
			} else {
				tlsConn.Close()
			}
		}
	}
	if mxConn == nil {
		tcpConn, dialErr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, c.plainPort))
		if dialErr != nil {
			return nil, fmt.Errorf("smtps and smtp dial both failed: %w", dialErr)
		}
		if mxConn, err = smtp.NewClient(tcpConn, host); err != nil {
			tcpConn.Close()
			return nil, err
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		mxConn.Close()
	}()
	defer func() { close(done) }()

	results = make([]Delivery, len(recipients))
	for i, rcpt := range recipients {
		results[i].Recipient = rcpt
	}
	allErr := func(err error) ([]Delivery, error) {
		for i := range results {
			if results[i].Code == 0 {
				results[i].Error = err
			}
		}
		return results, err
	}

	if err := mxConn.Hello(c.LocalHostname); err != nil {
		return allErr(err)
	}
	if !implicitTLS {
		if ok, _ := mxConn.Extension("STARTTLS"); ok {
			if err := mxConn.StartTLS(tlsConfig); err != nil {
				c.logf("smtpclient: opportunistic starttls to %s failed, continuing in clear: %v", host, err)
			}
		}
	}
	if err := mxConn.Mail(from); err != nil {
		return allErr(err)
	}
	deliverAttempt := 0
	for i, to := range recipients {
		if rcptErr := mxConn.Rcpt(to); rcptErr != nil {
			if tperr, _ := rcptErr.(*textproto.Error); tperr != nil {
				results[i].Code = tperr.Code
				results[i].Details = tperr.Msg
				continue
			}
			err = rcptErr
			break
		}
		deliverAttempt++
	}
	if err != nil {
		return allErr(err)
	}
	if deliverAttempt == 0 {
		return results, nil
	}

	w, werr := mxConn.Data()
	if werr != nil {
		return allErr(werr)
	}
	if _, werr := io.Copy(w, r); werr != nil {
		return allErr(werr)
	}
	if werr := w.Close(); werr != nil {
		return allErr(werr)
	}
	if werr := mxConn.Quit(); werr != nil {
		return allErr(werr)
	}
	for i := range results {
		if results[i].Code == 0 && results[i].Error == nil {
			results[i].Code = 250
		}
	}
	return results, nil
}
