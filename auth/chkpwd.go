package auth

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// passwordFieldLen is the fixed width of the password field in the
// chkpwd wire request, per spec 4.3/7.2: {uid:u32, password[256]}.
const passwordFieldLen = 256

// Chkpwd manages the long-running external chkpwd child used by host-mode
// auth. One child handles every check; requests are serialized by mu,
// matching the spec's S_CHKPWD critical section.
type Chkpwd struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	toChild *os.File
	fromChild *os.File
	Logf   func(format string, v ...interface{})
}

// StartChkpwd spawns the external helper at path, connected by two pipes,
// matching infodancer-pop3d's subprocess.go fd-passing idiom generalized
// to a request/response protocol instead of fd handoff.
func StartChkpwd(path string) (*Chkpwd, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, err
	}

	cmd := exec.Command(path)
	cmd.Stdin = toChildR
	cmd.Stdout = fromChildW
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		return nil, fmt.Errorf("chkpwd: start %s: %v", path, err)
	}
	toChildR.Close()
	fromChildW.Close()

	return &Chkpwd{
		cmd:       cmd,
		toChild:   toChildW,
		fromChild: fromChildR,
		Logf:      func(string, ...interface{}) {},
	}, nil
}

// Check sends one {uid, password} request and reads back the 4-byte
// PASS/FAIL reply. Only one request may be in flight at a time; Check
// blocks until the prior caller's reply has been read.
func (c *Chkpwd) Check(ctx context.Context, uid int32, password string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var req [4 + passwordFieldLen]byte
	binary.BigEndian.PutUint32(req[0:4], uint32(uid))
	copy(req[4:], password)

	if _, err := c.toChild.Write(req[:]); err != nil {
		return false, fmt.Errorf("chkpwd: write request: %v", err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(c.fromChild, reply[:]); err != nil {
		return false, fmt.Errorf("chkpwd: read reply: %v", err)
	}

	switch string(reply[:]) {
	case "PASS":
		return true, nil
	case "FAIL":
		return false, nil
	default:
		return false, fmt.Errorf("chkpwd: unexpected reply %q", reply[:])
	}
}

// Close terminates the child and waits for it to exit.
func (c *Chkpwd) Close() error {
	c.toChild.Close()
	c.fromChild.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
