// The sendcommand command is a thin CLI wrapper around admincli.Send,
// matching the original citadel/utils/sendcommand.c: connect to a
// running citadeld's admin socket, transmit one command, and relay
// whatever text or binary response the protocol calls for.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"citadel.example/server/admincli"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-h homedir] command [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flagHomeDir := flag.String("h", ".", "citadeld data directory (holds run/citadel-admin.socket)")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	command := strings.Join(flag.Args(), " ")
	addr := *flagHomeDir + "/run/citadel-admin.socket"

	code, err := admincli.Send(addr, command, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendcommand: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}
