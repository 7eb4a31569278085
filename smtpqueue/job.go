package smtpqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// Status classes a remote recipient line carries, per spec 4.11.
const (
	ClassUntried   byte = '0'
	ClassSuccess   byte = '2'
	ClassTransient byte = '4'
	ClassPermanent byte = '5'
)

// jobContentType is the Content-type header stamped on every queue job
// message, distinguishing it from ordinary mail in the spool room.
const jobContentType = "application/x-citadel-delivery-list"

// Recipient is one `remote|` line of a job's control block.
type Recipient struct {
	Address    string
	Class      byte
	Diagnostic string
}

// Job is the parsed form of a queue job message's body, per spec 4.11's
// control-block format.
type Job struct {
	PayloadMsgNum int64
	Submitted     int64
	BounceTo      string
	EnvelopeFrom  string
	SourceRoom    string
	Recipients    []Recipient
	Attempted     int64 // 0 if never attempted
	Warned        bool  // true once a delay warning has been sent
}

// Pending returns the indices of the recipients that still need delivery
// attempts (untried or transient), or nil if none do.
func (j *Job) Pending() []int {
	var idx []int
	for i, r := range j.Recipients {
		if r.Class == ClassTransient || r.Class == ClassUntried {
			idx = append(idx, i)
		}
	}
	return idx
}

// ParseJob decodes a job control block, as written by Render.
func ParseJob(body string) (*Job, error) {
	j := &Job{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "Content-type:") {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		switch parts[0] {
		case "msgid":
			n, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("smtpqueue: bad msgid: %w", err)
			}
			j.PayloadMsgNum = n
		case "submitted":
			n, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("smtpqueue: bad submitted: %w", err)
			}
			j.Submitted = n
		case "bounceto":
			j.BounceTo = parts[1]
		case "envelope_from":
			j.EnvelopeFrom = parts[1]
		case "source_room":
			j.SourceRoom = parts[1]
		case "attempted":
			n, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("smtpqueue: bad attempted: %w", err)
			}
			j.Attempted = n
		case "warned":
			j.Warned = parts[1] == "1"
		case "remote":
			if len(parts) < 3 {
				return nil, fmt.Errorf("smtpqueue: malformed remote line %q", line)
			}
			r := Recipient{Address: parts[1], Class: parts[2][0]}
			if len(parts) == 4 {
				r.Diagnostic = parts[3]
			}
			j.Recipients = append(j.Recipients, r)
		}
	}
	if j.PayloadMsgNum == 0 {
		return nil, fmt.Errorf("smtpqueue: job control block missing msgid")
	}
	return j, nil
}

// Render serializes j back to its on-disk control-block text.
func (j *Job) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content-type: %s\n\n", jobContentType)
	fmt.Fprintf(&b, "msgid|%d\n", j.PayloadMsgNum)
	fmt.Fprintf(&b, "submitted|%d\n", j.Submitted)
	fmt.Fprintf(&b, "bounceto|%s\n", j.BounceTo)
	fmt.Fprintf(&b, "envelope_from|%s\n", j.EnvelopeFrom)
	fmt.Fprintf(&b, "source_room|%s\n", j.SourceRoom)
	for _, r := range j.Recipients {
		if r.Class == ClassSuccess {
			continue
		}
		if r.Diagnostic != "" {
			fmt.Fprintf(&b, "remote|%s|%c|%s\n", r.Address, r.Class, r.Diagnostic)
		} else {
			fmt.Fprintf(&b, "remote|%s|%c\n", r.Address, r.Class)
		}
	}
	if j.Attempted != 0 {
		fmt.Fprintf(&b, "attempted|%d\n", j.Attempted)
	}
	if j.Warned {
		b.WriteString("warned|1\n")
	}
	return b.String()
}
