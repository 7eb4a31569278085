package smtpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestDeliveryPredicates(t *testing.T) {
	cases := []struct {
		name string
		d    Delivery
		want [3]bool // success, perm, temp
	}{
		{"success", Delivery{Code: 250}, [3]bool{true, false, false}},
		{"permanent", Delivery{Code: 550}, [3]bool{false, true, false}},
		{"transient code", Delivery{Code: 450}, [3]bool{false, false, true}},
		{"dial error", Delivery{Error: errors.New("connection refused")}, [3]bool{false, false, true}},
		{"success code but error set", Delivery{Code: 250, Error: errors.New("x")}, [3]bool{false, false, true}},
	}
	for _, c := range cases {
		got := [3]bool{c.d.Success(), c.d.PermFailure(), c.d.TempFailure()}
		if got != c.want {
			t.Errorf("%s: got success=%v perm=%v temp=%v, want success=%v perm=%v temp=%v",
				c.name, got[0], got[1], got[2], c.want[0], c.want[1], c.want[2])
		}
	}
}

// fakeSMTP accepts one connection on a loopback listener and speaks
// just enough SMTP to accept a single message, recording its body.
type fakeSMTP struct {
	ln   net.Listener
	body chan string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSMTP{ln: ln, body: make(chan string, 1)}
	go s.serve()
	return s
}

func (s *fakeSMTP) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	fmt.Fprintf(conn, "220 fake.example ESMTP\r\n")
	r := bufio.NewReader(conn)
	var body strings.Builder
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line == "." {
				s.body <- body.String()
				fmt.Fprintf(conn, "250 OK queued\r\n")
				inData = false
				continue
			}
			body.WriteString(line + "\n")
			continue
		}
		switch upper := strings.ToUpper(line); {
		case strings.HasPrefix(upper, "HELO"), strings.HasPrefix(upper, "EHLO"):
			fmt.Fprintf(conn, "250 hello\r\n")
		case strings.HasPrefix(upper, "MAIL FROM"):
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO"):
			fmt.Fprintf(conn, "250 OK\r\n")
		case upper == "DATA":
			inData = true
			fmt.Fprintf(conn, "354 go ahead\r\n")
		case upper == "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "500 unrecognized\r\n")
		}
	}
}

// TestSendToDomainFallsBackToNextMX exercises spec 4.11 step 2's MX
// preference-order fallback directly: the first host in the list
// refuses the connection (a listener bound then closed), so delivery
// must retry against the second, reachable host.
func TestSendToDomainFallsBackToNextMX(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadHost, _, _ := net.SplitHostPort(dead.Addr().String())
	dead.Close() // now refuses connections

	fake := startFakeSMTP(t)
	defer fake.ln.Close()
	liveHost, livePort, _ := net.SplitHostPort(fake.ln.Addr().String())

	c := NewClient("sender.example.com", 4)
	c.DisableImplicitTLS = true
	// plainPort is client-wide, not per-host, so point both the dead and
	// live hosts at the fake server's port: the dead host still refuses
	// the connection outright regardless of which port is dialed.
	c.plainPort = livePort

	msg := "Subject: hi\r\n\r\nbody\r\n"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := c.sendToDomain(ctx, "example.com", []string{deadHost, liveHost}, "from@sender.example.com",
		[]string{"to@example.com"}, io.NewSectionReader(strings.NewReader(msg), 0, int64(len(msg))))

	if len(results) != 1 || !results[0].Success() {
		t.Fatalf("results = %+v, want one successful delivery", results)
	}

	select {
	case body := <-fake.body:
		if !strings.Contains(body, "body") {
			t.Errorf("fake server received unexpected body: %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake SMTP server never received DATA")
	}
}
