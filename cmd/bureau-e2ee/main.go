// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-e2ee manages the encryption identity of one Bureau device.
//
// Subcommands:
//
//   - init creates the pickle key, the session store and the Olm
//     account named by the config file, keeping whichever already exist.
//   - identity prints the device's identity keys, or its signed device
//     key document with --json.
//   - publish uploads the signed device keys and one-time keys to the
//     homeserver.
//   - verify-keys checks the self-signatures of device key documents
//     read from a file (JSON with comments is accepted), either a single
//     document or a /keys/query response.
//
// The config file comes from --config or BUREAU_E2EE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/e2ee/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return fmt.Errorf("subcommand required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subcommand := args[0]
	switch subcommand {
	case "init":
		return runInit(ctx, args[1:], stdout)
	case "identity":
		return runIdentity(ctx, args[1:], stdout)
	case "publish":
		return runPublish(ctx, args[1:], stdout)
	case "verify-keys":
		return runVerifyKeys(args[1:], stdout)
	case "version", "--version":
		version.Print(stdout, "bureau-e2ee")
		return nil
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: bureau-e2ee <subcommand> [flags]

Subcommands:
  init          Create the pickle key, session store and device account
  identity      Print the device's identity keys
  publish       Upload device keys and one-time keys to the homeserver
  verify-keys   Check the signatures of device key documents
  version       Print version information

Run 'bureau-e2ee <subcommand> --help' for subcommand flags.
`)
}

// newFlagSet returns a subcommand flag set that reports errors to the
// caller instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("bureau-e2ee "+name, pflag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	return flagSet
}

// parseFlags parses args into flagSet. errHelpShown reports that the
// user asked for help, which is not a failure.
func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelpShown
		}
		return err
	}
	return nil
}

var errHelpShown = errors.New("help shown")

// helpOK maps errHelpShown to success.
func helpOK(err error) error {
	if errors.Is(err, errHelpShown) {
		return nil
	}
	return err
}
