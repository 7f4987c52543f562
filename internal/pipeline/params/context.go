package params

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-deploy/internal/domain"
)

const globalsKey = "globals"

// Context is the parsed configuration document: one globals block plus one
// block per environment.
type Context struct {
	Globals      map[string]any
	Environments map[string]map[string]any
}

// EnvironmentNames returns the sorted environment names in the document.
func (c Context) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadContextFile reads a YAML or JSON context document from path.
func LoadContextFile(path string) (Context, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Context{}, fmt.Errorf("read context file: %w", err)
	}
	return LoadContext(bytes.NewReader(raw))
}

// LoadContext parses a context document. A top-level "context" key, as found
// in cdk.json, is unwrapped first.
func LoadContext(r io.Reader) (Context, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Context{}, &domain.ConfigurationError{Issues: []string{"context document is empty"}}
		}
		return Context{}, fmt.Errorf("parse context document: %w", err)
	}
	if wrapped, ok := doc["context"].(map[string]any); ok {
		doc = wrapped
	}

	issues := &domain.ConfigurationError{}
	out := Context{
		Globals:      map[string]any{},
		Environments: map[string]map[string]any{},
	}
	for key, value := range doc {
		block, ok := value.(map[string]any)
		if !ok {
			// Scalar context keys (feature flags and the like) are not
			// environment blocks.
			continue
		}
		if key == globalsKey {
			out.Globals = block
			continue
		}
		out.Environments[key] = block
	}
	if len(out.Environments) == 0 {
		issues.Add("context document defines no environments")
	}
	if err := issues.OrNil(); err != nil {
		return Context{}, err
	}
	return out, nil
}
