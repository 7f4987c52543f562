package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/oauth2"
)

// DockerRegistry drives a registry through the docker CLI. When Tokens is
// set, Authenticate logs in with a fresh access token as the password;
// otherwise the daemon's existing credentials are used.
type DockerRegistry struct {
	dockerBin string
	username  string
	tokens    oauth2.TokenSource
}

func NewDockerRegistry(dockerBin, username string, tokens oauth2.TokenSource) (*DockerRegistry, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = "oauth2accesstoken"
	}
	return &DockerRegistry{dockerBin: dockerBin, username: username, tokens: tokens}, nil
}

func (r *DockerRegistry) Authenticate(ctx context.Context, endpoint string) error {
	host := RegistryHost(endpoint)
	if host == "" {
		return errors.New("registry endpoint is required")
	}
	if r.tokens == nil {
		return nil
	}
	token, err := r.tokens.Token()
	if err != nil {
		return fmt.Errorf("registry token: %w", err)
	}
	if !token.Valid() {
		return errors.New("registry token is not valid")
	}
	cmd := exec.CommandContext(ctx, r.dockerBin, "login", "--username", r.username, "--password-stdin", host)
	cmd.Stdin = strings.NewReader(token.AccessToken)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker login failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *DockerRegistry) Build(ctx context.Context, spec BuildSpec) error {
	if strings.TrimSpace(spec.Ref) == "" {
		return errors.New("image ref is required")
	}
	contextDir := spec.ContextDir
	if strings.TrimSpace(contextDir) == "" {
		contextDir = "."
	}
	args := []string{"build", "-t", spec.Ref}
	if df := strings.TrimSpace(spec.Dockerfile); df != "" {
		args = append(args, "-f", df)
	}
	args = append(args, contextDir)
	return r.run(ctx, "docker build", args...)
}

func (r *DockerRegistry) Tag(ctx context.Context, source, target string) error {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(target) == "" {
		return errors.New("source and target refs are required")
	}
	return r.run(ctx, "docker tag", "tag", source, target)
}

func (r *DockerRegistry) Push(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("image ref is required")
	}
	return r.run(ctx, "docker push", "push", ref)
}

// CanPull reports whether ref is resolvable in the registry.
func (r *DockerRegistry) CanPull(ctx context.Context, ref string) (bool, error) {
	if strings.TrimSpace(ref) == "" {
		return false, errors.New("image ref is required")
	}
	cmd := exec.CommandContext(ctx, r.dockerBin, "manifest", "inspect", ref)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.ToLower(strings.TrimSpace(string(out)))
		if strings.Contains(text, "no such manifest") || strings.Contains(text, "not found") {
			return false, nil
		}
		return false, fmt.Errorf("docker manifest inspect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return true, nil
}

func (r *DockerRegistry) run(ctx context.Context, label string, args ...string) error {
	cmd := exec.CommandContext(ctx, r.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", label, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RegistryHost returns the host part of a repository endpoint such as
// 123.dkr.ecr.us-east-1.amazonaws.com/svc.
func RegistryHost(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	host, _, _ := strings.Cut(endpoint, "/")
	return host
}
