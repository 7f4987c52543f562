package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
)

// ExportImageTag names the variable a build stage exports.
const ExportImageTag = "imageTag"

// Build steps, in execution order. They name the failing step in a
// StageExecutionError.
const (
	StepAuthenticate = "authenticate"
	StepPreBuild     = "pre_build"
	StepBuild        = "build"
	StepTag          = "tag"
	StepPushRevision = "push_revision"
	StepPushMoving   = "push_moving"
	StepVerify       = "verify"
	StepDescriptor   = "descriptor"
)

// BuildExecutor builds the image from the source artifact, pushes its
// revision tag and then its moving tag, and writes the target descriptor.
//
// The revision tag is pushed first. A failure between the two pushes leaves
// only the immutable revision tag in the registry and the moving tag on the
// previous successful build.
type BuildExecutor struct {
	Registry runtimeexec.Registry
	Shell    runtimeexec.Shell
}

func (e *BuildExecutor) Execute(ctx context.Context, env Env) (Result, error) {
	spec := env.Stage.Build
	if spec == nil {
		return fail(env, "validate", errors.New("build payload is missing"))
	}
	if e == nil || e.Registry == nil {
		return fail(env, StepAuthenticate, errors.New("registry not configured"))
	}
	source, err := env.Input(0)
	if err != nil {
		return fail(env, "validate", err)
	}
	revision := strings.TrimSpace(source.Revision)
	if revision == "" {
		return fail(env, "validate", fmt.Errorf("input %s carries no source revision", source.Name))
	}
	endpoint := strings.TrimSuffix(strings.TrimSpace(spec.RegistryEndpoint), "/")
	if endpoint == "" {
		return fail(env, "validate", errors.New("registry endpoint is required"))
	}
	moving := spec.MovingTag
	if moving == "" {
		moving = "latest"
	}
	targetName, err := env.Render("build.targetName", spec.TargetName)
	if err != nil {
		return fail(env, "validate", err)
	}
	if targetName == "" {
		targetName = env.Params.TargetName()
	}
	commands, err := env.Commands()
	if err != nil {
		return fail(env, StepPreBuild, err)
	}
	vars, err := env.Variables()
	if err != nil {
		return fail(env, StepPreBuild, err)
	}

	if err := e.Registry.Authenticate(ctx, endpoint); err != nil {
		return fail(env, StepAuthenticate, err)
	}

	// The build tree starts as a copy of the source artifact so that
	// pre-build commands and the descriptor never touch the source output.
	tree := filepath.Join(env.StageDir(), "tree")
	if err := os.MkdirAll(filepath.Dir(tree), 0o755); err != nil {
		return fail(env, StepPreBuild, err)
	}
	if err := os.CopyFS(tree, os.DirFS(source.Dir)); err != nil {
		return fail(env, StepPreBuild, fmt.Errorf("prepare build tree: %w", err))
	}

	vars = mergeVars(vars, map[string]string{
		"REPOSITORY_URI":  endpoint,
		"SOURCE_REVISION": revision,
	})
	var log []string
	if len(commands) > 0 {
		if e.Shell == nil {
			return fail(env, StepPreBuild, errors.New("shell not configured"))
		}
		for _, cmd := range commands {
			out, err := e.Shell.Run(ctx, runtimeexec.Command{Dir: tree, Script: cmd, Env: vars})
			if err != nil {
				return fail(env, StepPreBuild, err)
			}
			log = append(log, out)
		}
	}

	movingRef := endpoint + ":" + moving
	revisionRef := endpoint + ":" + revision
	contextDir := filepath.Join(tree, filepath.FromSlash(spec.ContextDir))
	dockerfile := ""
	if spec.Dockerfile != "" {
		dockerfile = filepath.Join(contextDir, filepath.FromSlash(spec.Dockerfile))
	}

	if err := e.Registry.Build(ctx, runtimeexec.BuildSpec{ContextDir: contextDir, Dockerfile: dockerfile, Ref: movingRef}); err != nil {
		return fail(env, StepBuild, err)
	}
	if err := e.Registry.Tag(ctx, movingRef, revisionRef); err != nil {
		return fail(env, StepTag, err)
	}
	// Revision before latest: latest must never name an image whose
	// revision tag was not pushed. A crash between the pushes leaves an
	// unreferenced revision tag, which a rerun overwrites.
	if err := e.Registry.Push(ctx, revisionRef); err != nil {
		return fail(env, StepPushRevision, err)
	}
	if err := e.Registry.Push(ctx, movingRef); err != nil {
		return fail(env, StepPushMoving, err)
	}
	ok, err := e.Registry.CanPull(ctx, revisionRef)
	if err != nil {
		return fail(env, StepVerify, err)
	}
	if !ok {
		return fail(env, StepVerify, fmt.Errorf("pushed image %s is not pullable", revisionRef))
	}

	raw, err := domain.MarshalTargetDescriptor(domain.TargetDescriptor{TargetName: targetName, ImageReference: revisionRef})
	if err != nil {
		return fail(env, StepDescriptor, err)
	}
	descriptorFile := spec.DescriptorFile
	if descriptorFile == "" {
		descriptorFile = "imagedefinitions.json"
	}
	if err := os.WriteFile(filepath.Join(tree, filepath.FromSlash(descriptorFile)), raw, 0o644); err != nil {
		return fail(env, StepDescriptor, err)
	}

	result := Result{Exports: map[string]string{}, Log: log}
	if env.Stage.PrimaryOutput != nil {
		files := env.Stage.PrimaryOutput.Files
		if len(files) == 0 {
			files = []string{descriptorFile}
		}
		result.Outputs = append(result.Outputs, Output{Name: env.Stage.PrimaryOutput.Name, Dir: tree, Files: files, Revision: revision})
	}
	for _, secondary := range env.Stage.SecondaryOutputs {
		result.Outputs = append(result.Outputs, Output{Name: secondary.Name, Dir: tree, Files: secondary.Files, Revision: revision})
	}
	for _, name := range env.Stage.Exports {
		if name == ExportImageTag {
			result.Exports[name] = revision
		}
	}
	return result, nil
}
