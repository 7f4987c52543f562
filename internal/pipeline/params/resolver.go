// Package params resolves the environment-scoped parameter set a stage graph
// is built from.
//
// Resolution is a shallow merge: keys of the environment block replace keys
// of the globals block with the same name, and nested objects such as repo or
// database are replaced wholesale rather than merged field by field.
package params

import (
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/domain"
)

// DefaultEnvironment is used when no environment name is supplied.
const DefaultEnvironment = "dev"

// Resolve merges globals with the environment block and validates the
// result. Neither input is modified.
func Resolve(envName string, globals, env map[string]any) (domain.ParameterSet, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return domain.ParameterSet{}, &domain.ConfigurationError{Issues: []string{"environment name is required"}}
	}

	merged := Merge(globals, env)
	if _, ok := merged[domain.ParamEnvironment]; !ok {
		merged[domain.ParamEnvironment] = envName
	}
	return domain.NewParameterSet(merged)
}

// Merge returns a new map holding globals overridden by env. Values are
// shared, not copied; NewParameterSet performs the deep copy.
func Merge(globals, env map[string]any) map[string]any {
	merged := make(map[string]any, len(globals)+len(env))
	for k, v := range globals {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}

// ResolveFromContext resolves envName from a loaded context document.
func ResolveFromContext(doc Context, envName string) (domain.ParameterSet, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		envName = DefaultEnvironment
	}
	env, ok := doc.Environments[envName]
	if !ok {
		return domain.ParameterSet{}, &domain.ConfigurationError{
			Issues: []string{fmt.Sprintf("environment %q is not defined", envName)},
		}
	}
	return Resolve(envName, doc.Globals, env)
}
