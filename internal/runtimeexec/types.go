// Package runtimeexec runs the external tools a pipeline stage drives: a
// shell for stage commands, git for source retrieval and docker for the
// image registry.
package runtimeexec

import (
	"context"
	"errors"
)

// Shell runs one stage command.
type Shell interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// Registry is the image registry surface the build stage needs.
type Registry interface {
	Authenticate(ctx context.Context, endpoint string) error
	Build(ctx context.Context, spec BuildSpec) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref string) error
	CanPull(ctx context.Context, ref string) (bool, error)
}

// Source fetches a branch into a local directory and reports the resolved
// revision.
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) (string, error)
}

type Command struct {
	Dir    string
	Script string
	Env    map[string]string
}

type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Ref        string
}

type FetchRequest struct {
	Owner         string
	Repo          string
	Branch        string
	ConnectionRef string
	Dest          string
}

var (
	ErrUnknownConnection = errors.New("connection not configured")
	ErrImageRefNotFound  = errors.New("image_ref_not_found")
)
