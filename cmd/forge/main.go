// Command forge runs a domain list through isolated enrichment workers and
// writes one row per domain, or serves the same engine over HTTP.
//
// Usage:
//
//	forge run --input domains.csv --output results.csv [--concurrency 5]
//	forge serve [--listen :8080]
package main

import (
	"fmt"
	"os"
)

const usage = `usage: forge <command> [flags]

commands:
  run     enrich a domain list and write the aggregated rows
  serve   start the HTTP API

run "forge <command> -h" for command flags.
`

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "serve":
		return serveCommand(args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "forge: unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}
