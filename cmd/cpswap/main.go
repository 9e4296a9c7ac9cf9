// Command cpswap inspects and migrates pool accounts across the direct and
// compacted ledger tiers.
//
// Usage:
//
//	cpswap <command> [flags] [args]
//
// Commands:
//
//	derive    Print the compacted address of an account or raw seed
//	pda       Print a program-derived address and its bump
//	resolve   Resolve accounts across both tiers and print them as JSON
//	migrate   Build a compress or decompress instruction for targets
//	serve     Run an in-memory development ledger over HTTP JSON-RPC
//	version   Print version and exit
//
// Targets are written kind:key[,key...], for example
// pool:<amm config>,<mint0>,<mint1> or observation:<pool>.
//
// Common flags:
//
//	--config         YAML config file (env CPSWAP_RPC_URL, CPSWAP_INDEXER_URL
//	                 and CPSWAP_LOG_LEVEL override it)
//	--metrics-file   resolve and migrate write their Prometheus metrics here
//	                 on exit; serve exports them on metricsAddr instead
package main

import (
	"fmt"
	"io"
	"os"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// command runs one subcommand and returns an exit code.
type command func(args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"derive":  runDerive,
	"pda":     runPDA,
	"resolve": runResolve,
	"migrate": runMigrate,
	"serve":   runServe,
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "version", "--version", "-version":
		fmt.Fprintf(stdout, "cpswap %s (commit %s)\n", version, commit)
		return 0
	case "help", "--help", "-h":
		usage(stdout)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	return cmd(args[1:], stdout, stderr)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: cpswap <derive|pda|resolve|migrate|serve|version> [flags] [args]")
}
