package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-deploy/internal/pipeline/runner"
	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

var (
	runEnvs  []string
	runActor string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline of one or more environments",
	Long: `Trigger one run per environment and wait for all of them. Environments
run concurrently; a failure in one does not stop the others.

A run executes the environment's stored definition. When none is stored
yet the definition is built from the context document, which is how a
pipeline is bootstrapped.

Examples:
  orchestrator run --env dev
  orchestrator run --env staging --env prod`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runEnvs, "env", "e", nil,
		"environment to run (repeatable, default: $ANIMUS_DEPLOY_ENV or dev)")
	runCmd.Flags().StringVar(&runActor, "actor", "", "name recorded as the run's actor (default: $USER)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := runtimeConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	rt, err := newRuntime(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	envs := runEnvs
	if len(envs) == 0 {
		envs = []string{environmentName("")}
	}
	actor := runActor
	if actor == "" {
		actor = env.String("USER", "cli")
	}

	results := make([]runner.RunResult, len(envs))
	var g errgroup.Group
	for i, name := range envs {
		g.Go(func() error {
			res, err := triggerEnvironment(ctx, rt.runner, runner.TriggerEvent{
				Environment: environmentName(name),
				Trigger:     "cli",
				Actor:       actor,
			})
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", environmentName(name), err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	return runErr
}

// triggerEnvironment runs the stored definition of ev.Environment, or the
// graph built from the context document when nothing is stored yet.
func triggerEnvironment(ctx context.Context, r *runner.Runner, ev runner.TriggerEvent) (runner.RunResult, error) {
	if ev.Graph == nil {
		_, err := r.Definitions().Current(ctx, ev.Environment)
		switch {
		case errors.Is(err, runner.ErrNoDefinition):
			g, err := loadGraph(ev.Environment)
			if err != nil {
				return runner.RunResult{}, err
			}
			logger.Info("no stored definition, bootstrapping from context document",
				"environment", ev.Environment, "config", contextFile)
			ev.Graph = &g
		case err != nil:
			return runner.RunResult{}, err
		}
	}
	return r.Trigger(ctx, ev)
}
