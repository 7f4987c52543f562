package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
	"github.com/animus-labs/animus-deploy/internal/pipeline/params"
	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

var (
	pipelineEnv string
	graphJSON   bool
	synthOut    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the resolved parameter set of an environment",
	Long: `Merge the globals block with the environment block and print the result
as JSON. Keys of the environment block replace globals wholesale.

Examples:
  orchestrator resolve --env prod
  ANIMUS_DEPLOY_ENV=staging orchestrator resolve -c cdk.json`,
	RunE: runResolve,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the stage graph of an environment",
	RunE:  runGraph,
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write the pipeline definition of an environment",
	Long: `Build the stage graph and write its definition to <out>/pipeline.json.
The output is byte-identical for an unchanged context document.`,
	RunE: runSynth,
}

func init() {
	for _, c := range []*cobra.Command{resolveCmd, graphCmd, synthCmd} {
		c.Flags().StringVarP(&pipelineEnv, "env", "e", "",
			"environment name (default: $ANIMUS_DEPLOY_ENV or dev)")
	}
	graphCmd.Flags().BoolVar(&graphJSON, "json", false, "print the encoded definition instead of a table")
	synthCmd.Flags().StringVarP(&synthOut, "out", "o",
		filepath.Join(domain.DefaultSynthDir, graph.DefaultSynthOutputName), "output directory")

	rootCmd.AddCommand(resolveCmd, graphCmd, synthCmd)
}

func environmentName(flag string) string {
	if name := strings.TrimSpace(flag); name != "" {
		return name
	}
	return env.String("ANIMUS_DEPLOY_ENV", params.DefaultEnvironment)
}

func loadParams(envName string) (domain.ParameterSet, error) {
	doc, err := params.LoadContextFile(contextFile)
	if err != nil {
		return domain.ParameterSet{}, err
	}
	return params.ResolveFromContext(doc, envName)
}

func loadGraph(envName string) (domain.StageGraph, error) {
	p, err := loadParams(envName)
	if err != nil {
		return domain.StageGraph{}, err
	}
	return graph.Build(p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runResolve(cmd *cobra.Command, args []string) error {
	p, err := loadParams(environmentName(pipelineEnv))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), p.Values())
}

func runGraph(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(environmentName(pipelineEnv))
	if err != nil {
		return err
	}
	if graphJSON {
		raw, err := definition.Marshal(g)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	return printGraph(cmd.OutOrStdout(), g)
}

func printGraph(w io.Writer, g domain.StageGraph) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "pipeline %s (%s)\n", g.Pipeline, g.Environment)
	fmt.Fprintln(tw, "#\tSTAGE\tKIND\tINPUTS\tOUTPUTS\tEXPORTS")
	row := func(ordinal string, s domain.Stage) {
		outputs := make([]string, 0, 1+len(s.SecondaryOutputs))
		if s.PrimaryOutput != nil {
			outputs = append(outputs, s.PrimaryOutput.Name)
		}
		for _, o := range s.SecondaryOutputs {
			outputs = append(outputs, o.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ordinal, s.Name, s.Kind,
			dash(s.Inputs), dash(outputs), dash(s.Exports))
	}
	for _, s := range g.Stages {
		row(fmt.Sprint(s.Ordinal), s)
	}
	if g.Synth != nil {
		row("-", *g.Synth)
	}
	return tw.Flush()
}

func dash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func runSynth(cmd *cobra.Command, args []string) error {
	envName := environmentName(pipelineEnv)
	g, err := loadGraph(envName)
	if err != nil {
		return err
	}
	def, err := definition.New(g)
	if err != nil {
		return err
	}
	path, err := writeDefinition(synthOut, def.Raw)
	if err != nil {
		return err
	}
	logger.Info("definition synthesized", "environment", envName, "path", path, "fingerprint", def.Fingerprint)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), def.Fingerprint)
	return err
}

// writeDefinition replaces <dir>/pipeline.json through a rename so readers
// never see a partial file.
func writeDefinition(dir string, raw []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, graph.DefaultDefinitionFile)
	tmp, err := os.CreateTemp(dir, ".pipeline-*.json")
	if err != nil {
		return "", fmt.Errorf("create definition file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write definition: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write definition: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replace definition: %w", err)
	}
	return path, nil
}
