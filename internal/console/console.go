// Package console implements the operator-facing line REPL: ps, kill,
// suspend, jobs and friends against the running scheduler. Grounded on
// the teacher's internal/repl REPL (bufio.Scanner over an io.Reader,
// dispatch on strings.Fields' first word via a switch), adapted here to
// drive vworld/internal/sched instead of ingestion-pipeline controls.
package console

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"vworld/internal/logging"
	"vworld/internal/sched"
)

// Console reads operator commands from in and writes responses to out.
type Console struct {
	in     *bufio.Scanner
	out    io.Writer
	logger *slog.Logger
	sched  *sched.Scheduler
}

// New builds a Console over the given reader/writer pair, operating on s.
func New(r io.Reader, w io.Writer, s *sched.Scheduler, logger *slog.Logger) *Console {
	return &Console{
		in:     bufio.NewScanner(r),
		out:    w,
		logger: logging.Default(logger).With("component", "console"),
		sched:  s,
	}
}

// Run reads lines until EOF or a "quit"/"exit" command, executing each.
func (c *Console) Run() {
	fmt.Fprint(c.out, "> ")
	for c.in.Scan() {
		if !c.execute(c.in.Text()) {
			return
		}
		fmt.Fprint(c.out, "> ")
	}
}

func (c *Console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "help":
		c.printHelp()
	case "ps":
		c.cmdPS(fields[1:])
	case "kill":
		c.cmdKill(fields[1:])
	case "suspend":
		c.cmdSuspend(fields[1:])
	case "resume":
		c.cmdResume(fields[1:])
	case "jobs":
		c.cmdPS(fields[1:])
	case "quit", "exit":
		return false
	default:
		fmt.Fprintf(c.out, "unknown command %q (try \"help\")\n", fields[0])
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "commands: ps [site]  kill <pid>  suspend <pid>  resume <pid>  jobs  quit")
}

func (c *Console) cmdPS(args []string) {
	var site uint32
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			fmt.Fprintf(c.out, "bad site %q: %v\n", args[0], err)
			return
		}
		site = uint32(n)
	}
	infos := c.sched.Query(site)
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	fmt.Fprintf(c.out, "%-8s %-12s %-20s %s\n", "PID", "STATE", "NAME", "OWNER")
	for _, info := range infos {
		fmt.Fprintf(c.out, "%-8d %-12s %-20s %s\n", info.PID, info.State, info.Name, info.Owner)
	}
}

func (c *Console) cmdKill(args []string) {
	pid, ok := c.parsePID(args)
	if !ok {
		return
	}
	// Kill is idempotent and always reports success (R3): killing an
	// already-dead or unknown pid is a no-op, not an error.
	c.sched.Kill(pid)
	fmt.Fprintf(c.out, "kill requested for %d\n", pid)
}

func (c *Console) cmdSuspend(args []string) {
	pid, ok := c.parsePID(args)
	if !ok {
		return
	}
	c.sched.Suspend(pid)
	fmt.Fprintf(c.out, "suspend requested for %d\n", pid)
}

func (c *Console) cmdResume(args []string) {
	pid, ok := c.parsePID(args)
	if !ok {
		return
	}
	c.sched.Resume(pid)
	fmt.Fprintf(c.out, "resume requested for %d\n", pid)
}

func (c *Console) parsePID(args []string) (sched.PID, bool) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "usage: <command> <pid>")
		return 0, false
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(c.out, "bad pid %q: %v\n", args[0], err)
		return 0, false
	}
	return sched.PID(n), true
}
