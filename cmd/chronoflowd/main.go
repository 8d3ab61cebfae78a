// Command chronoflowd is the chronoflow scheduler daemon and CLI (spec §6).
// There is no main.go in the teacher pack to ground this on directly — the
// retrieved teacher repo's cmd/ package builds cobra subcommands but never
// the root command or process entrypoint — so this file is designed from
// the teacher's subcommand-builder idiom (one builder function per
// command, "package cmd"-style flag wiring) generalized to a standalone
// main package with one root command that carries the run subcommand plus
// the SPEC_FULL.md §12 operational subcommands.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chronoflowd",
		Short: "chronoflow directory-driven job scheduler",
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newJobsCmd())
	return cmd
}

// configureLogging installs a text slog handler at the requested level
// (spec §6 --log-level), mirroring SPEC_FULL.md §10's ambient logging
// section: slog.NewTextHandler(os.Stderr, ...) via slog.SetDefault, no
// custom logging abstraction.
func configureLogging(level string) error {
	// spec §6 names WARNING where slog spells it WARN; normalize.
	normalized := strings.ToUpper(level)
	if normalized == "WARNING" {
		normalized = "WARN"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(normalized)); err != nil {
		return fmt.Errorf("chronoflowd: invalid --log-level %q: %w", level, err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return nil
}
