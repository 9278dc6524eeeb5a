package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "info":
		return handleInfo(rest, stdout)
	case "verify":
		return handleVerify(rest, stdout)
	case "dump":
		return handleDump(rest, stdout)
	case "merge":
		return handleMerge(rest, stdout)
	case "bench":
		return handleBench(rest, stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	case "version", "--version", "-v":
		printVersion(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	usage := `indexctl - Operator tools for the stream index

Usage:
  indexctl <command> [options]

Available Commands:
  info        Print the index map of an index directory
  verify      Open every table with full hash verification
  dump        Print every entry of a table file
  merge       Run a manual merge of the tables above the auto merge level
  bench       Write random entries to a temporary index and time reads
  help        Show this help message
  version     Show version information

Examples:
  indexctl info -dir /var/lib/index
  indexctl verify -dir /var/lib/index
  indexctl dump -file /var/lib/index/<table> -zstd -o table.txt.zst
  indexctl merge -dir /var/lib/index -config index.yaml
  indexctl bench -n 1000000 -streams 10000

Use "indexctl <command> -h" for more information about a command.
`
	fmt.Fprint(w, usage)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "indexctl v1.0.0")
}
