package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
	"github.com/animus-labs/animus-deploy/internal/platform/logging"
)

const service = "animus-deploy"

var (
	version     = "dev"
	contextFile string
	logger      = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Self-mutating deployment pipeline orchestrator",
	Long: `Resolve environment parameters, build the stage graph, synthesize the
pipeline definition and run it. Every run regenerates the definition from
the source tree, so a changed pipeline takes effect from the next run.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogger,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&contextFile, "config", "c",
		filepath.Join(domain.DefaultSynthDir, graph.DefaultPipelineConfig),
		"context document with a globals block and one block per environment")
}

// Logs go to stderr; stdout carries command output.
func setupLogger(cmd *cobra.Command, args []string) error {
	cfg, err := logging.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger = logging.New(cfg, os.Stderr)
	slog.SetDefault(logger)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
