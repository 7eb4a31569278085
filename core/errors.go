// Package core holds the small set of types shared by every subsystem:
// the structured log entry, the user-facing error wrapper, and the
// sentinel errors that mark the KVStore transaction boundary.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned across the KVStore transaction boundary.
// Anything else a KV call returns is fatal: the caller aborts the process
// rather than risk corrupting the store.
var (
	ErrNotFound = errors.New("core: not found")
	ErrDeadlock = errors.New("core: deadlock, transaction must retry")
)

// UserError is a peer/user-facing error with a message safe to show
// verbatim in a protocol reply. Err, if set, is only ever logged.
type UserError struct {
	UserMsg string
	Focus   string // which part of the request the error concerns, for protocol hints
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("%s: %v", e.UserMsg, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }

// LogEntry is the structured log record threaded through every subsystem.
// It is rendered as a single JSON line; there is no logging framework here,
// in keeping with the rest of the tree.
type LogEntry struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l LogEntry) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, "when": %q`, l.Where, l.What, l.When.Format(time.RFC3339Nano))
	if l.Duration != 0 {
		fmt.Fprintf(buf, `, "duration": %q`, l.Duration.String())
	}
	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}

// Logf is the logging function signature threaded through every
// subsystem's constructor, rather than a package-level logger.
type Logf func(format string, v ...interface{})
