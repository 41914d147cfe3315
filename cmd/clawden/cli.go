package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/process"
)

const defaultTailLines = 50

func openProcessManager() (*process.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return process.NewManager(cfg.Runtimes.Root, process.Mode(cfg.Runtimes.Mode))
}

func runPs() error {
	procs, err := openProcessManager()
	if err != nil {
		return err
	}
	statuses, err := procs.ListStatuses()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No runtimes running.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUNTIME\tPID\tSTATUS\tSTARTED\tLOG")
	for _, s := range statuses {
		state := "exited"
		if s.Running {
			state = "running"
		}
		started := "-"
		if info, err := procs.Get(s.Runtime); err == nil && info != nil {
			started = time.UnixMilli(info.StartedAtUnixMs).Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Runtime, s.PID, state, started, s.LogPath)
	}
	return tw.Flush()
}

func runStop(args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: clawden stop <runtime>\n")
		return fmt.Errorf("missing runtime")
	}
	procs, err := openProcessManager()
	if err != nil {
		return err
	}
	if err := procs.Stop(args[0]); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", args[0])
	return nil
}

func runLogs(args []string) error {
	var runtime string
	lines := defaultTailLines

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -n")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid line count: %s", args[i])
			}
			lines = n
		default:
			runtime = args[i]
		}
	}

	if runtime == "" {
		fmt.Fprintf(os.Stderr, "Usage: clawden logs <runtime> [-n <lines>]\n")
		return fmt.Errorf("missing runtime")
	}
	procs, err := openProcessManager()
	if err != nil {
		return err
	}
	out, err := procs.TailLogs(runtime, lines)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
