// Command memdiag is a small operator CLI for the memory core: it boots
// memspaces and a kseg cache from a TOML config (spec.md §6's external
// knobs), then lets an operator poke at the resulting diagnostic
// registry and kseg statistics from the shell, mirroring the teacher's
// own runsc subcommand style.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/vmkern/hypercore/pkg/corelog"
	"github.com/vmkern/hypercore/pkg/memcore"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&resetKsegStatsCmd{}, "")

	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	if *verbose {
		corelog.SetLevel(corelog.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootCmd implements "memdiag boot <config.toml>": loads the config,
// creates every configured memspace and the kseg cache, registers them,
// and dumps the resulting diagnostic listing to stdout. memdiag is a
// single-shot CLI, so the booted state only lives for the process's
// lifetime; it exists to exercise and inspect the config/registry wiring
// described in spec.md §6 and §9, not as a long-running daemon.
type bootCmd struct{}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot memspaces and kseg from a TOML config, then dump the registry" }
func (*bootCmd) Usage() string {
	return "boot <config.toml>\n  Create every configured memspace and kseg table, then print the diagnostic listing.\n"
}
func (*bootCmd) SetFlags(*flag.FlagSet) {}

func (c *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	core, err := memcore.Boot(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	core.DumpAll(os.Stdout)
	return subcommands.ExitSuccess
}

// statsCmd implements "memdiag stats <config.toml> <memspace>".
type statsCmd struct{}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "print one memspace's allocation statistics" }
func (*statsCmd) Usage() string {
	return "stats <config.toml> <memspace-name>\n  Boot config.toml and print the named memspace's stats.\n"
}
func (*statsCmd) SetFlags(*flag.FlagSet) {}

func (c *statsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	core, err := memcore.Boot(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return subcommands.ExitFailure
	}
	text, err := core.MemspaceStatsText(f.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprint(os.Stdout, text)
	return subcommands.ExitSuccess
}

// resetKsegStatsCmd implements "memdiag reset-kseg-stats <config.toml>".
type resetKsegStatsCmd struct{}

func (*resetKsegStatsCmd) Name() string     { return "reset-kseg-stats" }
func (*resetKsegStatsCmd) Synopsis() string { return "zero every CPU's kseg try/hit counters" }
func (*resetKsegStatsCmd) Usage() string {
	return "reset-kseg-stats <config.toml>\n  Boot config.toml's kseg cache and reset its statistics.\n"
}
func (*resetKsegStatsCmd) SetFlags(*flag.FlagSet) {}

func (c *resetKsegStatsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	core, err := memcore.Boot(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset-kseg-stats: %v\n", err)
		return subcommands.ExitFailure
	}
	core.Kseg.ResetStats()
	fmt.Fprintln(os.Stdout, "kseg stats reset")
	return subcommands.ExitSuccess
}
