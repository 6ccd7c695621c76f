package main

import (
	"fmt"
	"os"

	"github.com/tbsched/tbs/internal/cli"
	"github.com/tbsched/tbs/internal/cli/ui"
)

// Set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersion(version, commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error()))
		os.Exit(1)
	}
}
