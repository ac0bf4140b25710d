// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/tether/lib/process"
	"github.com/bureau-foundation/tether/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// errUsage is returned after usage has been printed.
var errUsage = errors.New("usage")

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "run":
		return runPeer(rest, stdin, stdout)
	case "invite":
		return runInvite(rest, stdout)
	case "decode":
		return runDecode(rest, stdout)
	case "version", "--version":
		fmt.Fprintln(stdout, version.Line("tether-peer"))
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tether-peer: one side of a paired, end-to-end encrypted channel.

Usage:
  tether-peer run [--config FILE] [--local ID] [--remote ID] [--signaling URL]
  tether-peer invite --local ID --remote ID [--qr FILE]
  tether-peer decode CODE
  tether-peer version

The config file is named by --config or TETHER_CONFIG. Flags override
the identity and signaling sections of the file.
`)
}
