// Command orchestrator resolves, synthesizes and runs self-mutating
// deployment pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/animus-labs/animus-deploy/orchestrator/cmd"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
