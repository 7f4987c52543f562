package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
)

const (
	StepInstall     = "install"
	StepSynthesize  = "synthesize"
	StepDefinition  = "read_definition"
	defaultDefsFile = "pipeline.json"
)

// SynthExecutor regenerates the pipeline definition from the source tree.
// It installs the orchestration tooling, runs the synth commands and decodes
// the definition they write into the output directory.
type SynthExecutor struct {
	Shell runtimeexec.Shell
}

func (e *SynthExecutor) Execute(ctx context.Context, env Env) (Result, error) {
	spec := env.Stage.Synth
	if spec == nil {
		return fail(env, "validate", errors.New("synth payload is missing"))
	}
	if e == nil || e.Shell == nil {
		return fail(env, StepInstall, errors.New("shell not configured"))
	}
	source, err := env.Input(0)
	if err != nil {
		return fail(env, "validate", err)
	}

	install := make([]string, 0, len(spec.InstallCommands))
	for i, raw := range spec.InstallCommands {
		cmd, err := env.Render(fmt.Sprintf("synth.installCommands[%d]", i), raw)
		if err != nil {
			return fail(env, StepInstall, err)
		}
		install = append(install, cmd)
	}
	commands, err := env.Commands()
	if err != nil {
		return fail(env, StepSynthesize, err)
	}
	outputDir, err := env.Render("synth.outputDirectory", spec.OutputDirectory)
	if err != nil {
		return fail(env, StepSynthesize, err)
	}
	vars, err := env.Variables()
	if err != nil {
		return fail(env, StepSynthesize, err)
	}
	environment := spec.EnvironmentName
	if environment == "" {
		environment = env.Params.Environment
	}
	vars = mergeVars(vars, map[string]string{"ENV_NAME": environment})

	// Synthesis writes into its own copy of the source tree.
	tree := filepath.Join(env.StageDir(), "tree")
	if err := os.MkdirAll(filepath.Dir(tree), 0o755); err != nil {
		return fail(env, StepInstall, err)
	}
	if err := os.CopyFS(tree, os.DirFS(source.Dir)); err != nil {
		return fail(env, StepInstall, fmt.Errorf("prepare synth tree: %w", err))
	}
	workDir := filepath.Join(tree, filepath.FromSlash(spec.WorkDir))

	var log []string
	for _, cmd := range install {
		out, err := e.Shell.Run(ctx, runtimeexec.Command{Dir: workDir, Script: cmd, Env: vars})
		if err != nil {
			return fail(env, StepInstall, err)
		}
		log = append(log, out)
	}
	for _, cmd := range commands {
		out, err := e.Shell.Run(ctx, runtimeexec.Command{Dir: workDir, Script: cmd, Env: vars})
		if err != nil {
			return fail(env, StepSynthesize, err)
		}
		log = append(log, out)
	}

	outDir := filepath.Join(tree, filepath.FromSlash(outputDir))
	defFile := spec.DefinitionFile
	if defFile == "" {
		defFile = defaultDefsFile
	}
	raw, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(defFile)))
	if err != nil {
		return fail(env, StepDefinition, fmt.Errorf("synth produced no definition: %w", err))
	}
	def, err := definition.Parse(raw)
	if err != nil {
		return fail(env, StepDefinition, err)
	}
	if def.Environment != environment {
		return fail(env, StepDefinition, fmt.Errorf("definition is for environment %q, want %q", def.Environment, environment))
	}

	result := Result{Definition: &def, Log: log}
	if env.Stage.PrimaryOutput != nil {
		files := env.Stage.PrimaryOutput.Files
		if len(files) == 0 {
			files = []string{defFile}
		}
		result.Outputs = append(result.Outputs, Output{
			Name:     env.Stage.PrimaryOutput.Name,
			Dir:      outDir,
			Files:    files,
			Revision: source.Revision,
		})
	}
	return result, nil
}
