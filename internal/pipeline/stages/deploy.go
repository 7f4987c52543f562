package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
)

const (
	StepReadDescriptor   = "read_descriptor"
	StepTaskDefinition   = "task_definition"
	StepDeployCommands   = "deploy_commands"
	defaultTaskDefFile   = "taskdef.json"
	defaultDescriptorRef = "imagedefinitions.json"
)

// commandPhases is the order in which phases of a deploy commands file run.
var commandPhases = []string{"install", "pre_build", "build", "post_build"}

// TaskDefinition is the deployment descriptor the deploy stage writes.
type TaskDefinition struct {
	Family     string                `json:"family"`
	Cluster    string                `json:"cluster,omitempty"`
	Revision   string                `json:"revision"`
	Containers []ContainerDefinition `json:"containerDefinitions"`
}

type ContainerDefinition struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// DeployExecutor reads the target descriptor produced upstream, writes the
// updated task definition and runs the deploy commands.
//
// Commands come from the deploy commands file in the build tree when one is
// present, otherwise from the stage's own templates.
type DeployExecutor struct {
	Shell runtimeexec.Shell
}

type deployCommandsFile struct {
	Env struct {
		Variables map[string]string `yaml:"variables"`
	} `yaml:"env"`
	Phases map[string]struct {
		Commands []string `yaml:"commands"`
	} `yaml:"phases"`
}

func (e *DeployExecutor) Execute(ctx context.Context, env Env) (Result, error) {
	spec := env.Stage.Deploy
	if spec == nil {
		return fail(env, "validate", errors.New("deploy payload is missing"))
	}

	descriptorArtifact, err := env.Input(0)
	if err != nil {
		return fail(env, StepReadDescriptor, err)
	}
	target, err := readDescriptor(descriptorArtifact)
	if err != nil {
		return fail(env, StepReadDescriptor, err)
	}

	container := spec.Container
	if container == "" {
		container = target.TargetName
	}
	if container != target.TargetName {
		return fail(env, StepReadDescriptor, fmt.Errorf("descriptor targets %q, stage deploys %q", target.TargetName, container))
	}
	family := spec.TaskDefinition
	if family == "" {
		family = env.Params.ServiceName + "-" + env.Params.Environment
	}

	outDir := filepath.Join(env.StageDir(), "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fail(env, StepTaskDefinition, err)
	}
	taskDefFile := spec.TaskDefFile
	if taskDefFile == "" {
		taskDefFile = defaultTaskDefFile
	}
	taskDef := TaskDefinition{
		Family:     family,
		Cluster:    spec.Cluster,
		Revision:   descriptorArtifact.Revision,
		Containers: []ContainerDefinition{{Name: container, Image: target.ImageReference}},
	}
	raw, err := json.MarshalIndent(taskDef, "", "  ")
	if err != nil {
		return fail(env, StepTaskDefinition, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, taskDefFile), append(raw, '\n'), 0o644); err != nil {
		return fail(env, StepTaskDefinition, err)
	}

	commands, fileVars, err := e.commands(env, spec.CommandsFile)
	if err != nil {
		return fail(env, StepDeployCommands, err)
	}
	vars, err := env.Variables()
	if err != nil {
		return fail(env, StepDeployCommands, err)
	}
	vars = mergeVars(mergeVars(fileVars, vars), map[string]string{
		"IMAGE_URI":      target.ImageReference,
		"CLUSTER_NAME":   spec.Cluster,
		"TASK_DEF_NAME":  family,
		"CONTAINER_NAME": container,
		"TASK_DEF_FILE":  filepath.Join(outDir, taskDefFile),
	})
	build, buildErr := env.Input(1)
	if buildErr == nil {
		vars["BUILD_DIR"] = build.Dir
	}

	var log []string
	if len(commands) > 0 {
		if e == nil || e.Shell == nil {
			return fail(env, StepDeployCommands, errors.New("shell not configured"))
		}
		// Commands run from the root of a copy of the build output, so
		// relative paths resolve against the build tree and the published
		// artifact stays untouched.
		workDir := outDir
		if buildErr == nil {
			workDir = filepath.Join(env.StageDir(), "work")
			if err := os.CopyFS(workDir, os.DirFS(build.Dir)); err != nil {
				return fail(env, StepDeployCommands, fmt.Errorf("prepare deploy tree: %w", err))
			}
		}
		for _, cmd := range commands {
			out, err := e.Shell.Run(ctx, runtimeexec.Command{Dir: workDir, Script: cmd, Env: vars})
			if err != nil {
				return fail(env, StepDeployCommands, err)
			}
			log = append(log, out)
		}
	}

	result := Result{Log: log, Exports: map[string]string{}}
	if env.Stage.PrimaryOutput != nil {
		files := env.Stage.PrimaryOutput.Files
		if len(files) == 0 {
			files = []string{taskDefFile}
		}
		result.Outputs = append(result.Outputs, Output{
			Name:     env.Stage.PrimaryOutput.Name,
			Dir:      outDir,
			Files:    files,
			Revision: descriptorArtifact.Revision,
		})
	}
	return result, nil
}

// commands returns the deploy commands file's commands when the build tree
// carries one, and the rendered stage commands otherwise. File commands are
// run verbatim.
func (e *DeployExecutor) commands(env Env, commandsFile string) ([]string, map[string]string, error) {
	if commandsFile != "" && len(env.Stage.Inputs) > 1 {
		for _, input := range env.Stage.Inputs[1:] {
			artifact, ok := env.Inputs[input]
			if !ok {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(artifact.Dir, filepath.FromSlash(commandsFile)))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", commandsFile, err)
			}
			return parseCommandsFile(commandsFile, raw)
		}
	}
	commands, err := env.Commands()
	return commands, nil, err
}

func parseCommandsFile(name string, raw []byte) ([]string, map[string]string, error) {
	var doc deployCommandsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var out []string
	for _, phase := range commandPhases {
		for _, cmd := range doc.Phases[phase].Commands {
			if cmd = strings.TrimSpace(cmd); cmd != "" {
				out = append(out, cmd)
			}
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%s defines no commands", name)
	}
	return out, doc.Env.Variables, nil
}

func readDescriptor(artifact domain.Artifact) (domain.TargetDescriptor, error) {
	file := defaultDescriptorRef
	if len(artifact.Files) == 1 {
		file = artifact.Files[0]
	}
	raw, err := os.ReadFile(filepath.Join(artifact.Dir, filepath.FromSlash(file)))
	if err != nil {
		return domain.TargetDescriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	return domain.ParseTargetDescriptor(raw)
}
