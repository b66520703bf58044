// Command jlogtool inspects and repairs jlog directories. It is a thin
// consumer of the jlog package's public API -- it never touches on-disk
// structures directly -- in the manner of cmd/grail-file's table-of-
// subcommands dispatch (grailbio-base's cmd/grail-file/cmd/cmd.go).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/segmentlog/jlog"
	"github.com/segmentlog/jlog/must"
)

var commands = []struct {
	name string
	run  func(args []string) error
	help string
}{
	{"stats", runStats, "stats <dir>: print first/last log id, raw size and subscriber list"},
	{"repair", runRepair, "repair <dir> [--aggressive]: run the repair orchestrator"},
	{"mark", runMark, "mark <dir> <subscriber> <BEGIN|END>: add a subscriber checkpoint"},
}

func printHelp() {
	fmt.Fprintln(os.Stderr, "Subcommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.help)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(2)
	}
	for _, c := range commands {
		if c.name == args[0] {
			if err := c.run(args[1:]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}
	printHelp()
	must.Never("unknown command: ", args[0])
}

func openExisting(dir string) (*jlog.Context, error) {
	ctx, err := jlog.New(dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Init(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func runStats(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("stats: expected <dir>")
	}
	ctx, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer ctx.Close()

	first, err := ctx.FirstLogID()
	if err != nil {
		return err
	}
	last, err := ctx.LastLogID()
	if err != nil {
		return err
	}
	size, err := ctx.RawSize()
	if err != nil {
		return err
	}
	subs, err := ctx.ListSubscribers()
	if err != nil {
		return err
	}

	fmt.Printf("first_log_id: %s\n", first.Name())
	fmt.Printf("last_log_id:  %s\n", last.Name())
	fmt.Printf("raw_size:     %d\n", size)
	fmt.Printf("subscribers:  %s\n", strings.Join(subs, ", "))
	return nil
}

func runRepair(args []string) error {
	aggressive := false
	var dir string
	for _, a := range args {
		if a == "--aggressive" {
			aggressive = true
			continue
		}
		dir = a
	}
	if dir == "" {
		return fmt.Errorf("repair: expected <dir>")
	}
	ctx, err := jlog.New(dir)
	if err != nil {
		return err
	}
	return ctx.Repair(aggressive)
}

func runMark(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("mark: expected <dir> <subscriber> <BEGIN|END>")
	}
	ctx, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer ctx.Close()

	var whence jlog.Whence
	switch strings.ToUpper(args[2]) {
	case "BEGIN":
		whence = jlog.Begin
	case "END":
		whence = jlog.End
	default:
		return fmt.Errorf("mark: whence must be BEGIN or END, got %q", args[2])
	}
	if err := ctx.AddSubscriber(args[1], whence); err != nil {
		return err
	}
	fmt.Printf("subscriber %q added at %s\n", args[1], strconv.Quote(args[2]))
	return nil
}
