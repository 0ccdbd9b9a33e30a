// Command reconcile manages typed records, their relationship links and
// their cross-references to external systems.
package main

import (
	"os"

	"github.com/roach88/reconcile/internal/cli"
)

func main() {
	// Subcommands report their own errors; only the exit code is left.
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
