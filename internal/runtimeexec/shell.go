package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ShellRunner executes commands through a POSIX shell.
type ShellRunner struct {
	shell  string
	logger *slog.Logger
}

func NewShellRunner(shell string, logger *slog.Logger) (*ShellRunner, error) {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		shell = "sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellRunner{shell: shell, logger: logger}, nil
}

// Run executes cmd.Script with the process environment plus cmd.Env and
// returns the combined output.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (string, error) {
	script := strings.TrimSpace(cmd.Script)
	if script == "" {
		return "", errors.New("command is required")
	}
	c := exec.CommandContext(ctx, r.shell, "-c", script)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)

	out, err := c.CombinedOutput()
	text := strings.TrimSpace(string(out))
	r.logger.Debug("command finished", "dir", cmd.Dir, "command", script, "output_bytes", len(out))
	if err != nil {
		return text, fmt.Errorf("command %q failed: %w: %s", script, err, text)
	}
	return text, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
