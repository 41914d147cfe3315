package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("clawden %s\n", version)
	case "server":
		err = runServer()
	case "ps":
		err = runPs()
	case "stop":
		err = runStop(os.Args[2:])
	case "logs":
		err = runLogs(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: clawden <command>

Commands:
  server     Start the orchestration server
  ps         List runtimes started in direct mode
  stop       Stop a direct-mode runtime
  logs       Print the tail of a runtime's log
  backup     Archive state and database to a .tar.zst file
  restore    Restore an archive created by backup
  version    Print version
`)
}
