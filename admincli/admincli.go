// Package admincli implements the SendCommand admin CLI protocol (spec 6,
// detailed in original_source/citadel/utils/sendcommand.c): dial the admin
// UDS, discard the server's greeting line, send one command line, then
// follow the response's leading digit to stream text or binary in
// whichever direction that digit calls for (1=listing follows, 2=ok,
// 3=send args, 4=send text, 5=error, 6=binary follows with a length,
// 8=both directions), each 000-terminated where the original protocol
// says so.
package admincli

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Terminator matches migration.Terminator without importing that
// package just for one string constant the admin protocol shares.
const Terminator = "000"

// Send dials addr (a unix socket path), transmits command, and returns
// the same exit code convention the original sendcommand.c binary uses:
// 3 if connecting, reading the greeting, sending the command or reading
// its response fails (or the response is empty), 1 if the server's first
// response digit is '5' or a transport error occurs while streaming text
// or binary data, 0 otherwise.
func Send(addr, command string, stdin io.Reader, stdout io.Writer) (exitCode int, err error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return 3, fmt.Errorf("admincli: connect %s: %w", addr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := readLine(r); err != nil {
		return 3, fmt.Errorf("admincli: reading greeting: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return 3, fmt.Errorf("admincli: sending command: %w", err)
	}

	resp, err := readLine(r)
	if err != nil {
		return 3, fmt.Errorf("admincli: reading response: %w", err)
	}
	if resp == "" {
		return 3, fmt.Errorf("admincli: empty response")
	}
	mode := resp[0]

	if mode == '4' || mode == '8' {
		if err := sendText(conn, stdin); err != nil {
			return 1, err
		}
	}
	switch mode {
	case '1', '8':
		if err := recvText(r, stdout); err != nil {
			return 1, err
		}
	case '6':
		if err := recvBinary(r, stdout, resp); err != nil {
			return 1, err
		}
	}

	if mode == '5' {
		return 1, nil
	}
	return 0, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func sendText(conn io.Writer, stdin io.Reader) error {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if _, err := fmt.Fprintf(conn, "%s\n", scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(conn, "%s\n", Terminator)
	return err
}

func recvText(r *bufio.Reader, stdout io.Writer) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == Terminator {
			return nil
		}
		fmt.Fprintln(stdout, line)
	}
}

func recvBinary(r *bufio.Reader, stdout io.Writer, resp string) error {
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return fmt.Errorf("admincli: binary response missing length: %q", resp)
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return fmt.Errorf("admincli: bad binary length in %q: %w", resp, err)
	}
	_, err = io.CopyN(stdout, r, int64(n))
	return err
}
