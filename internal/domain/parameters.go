package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Parameter keys recognised in a resolved parameter set.
const (
	ParamServiceName      = "serviceName"
	ParamEnvironment      = "environment"
	ParamIsProd           = "isProd"
	ParamRepo             = "repo"
	ParamConnectionRef    = "connectionRef"
	ParamRegistryEndpoint = "registryEndpoint"
	ParamAppName          = "appName"
	ParamRegion           = "region"
	ParamClusterArn       = "clusterArn"
	ParamClusterName      = "clusterName"
	ParamTaskDefinition   = "taskDefinition"
	ParamDomain           = "domain"
	ParamSubdomain        = "subdomain"
	ParamBaseDir          = "baseDir"
	ParamDatabase         = "database"
	ParamApprovalTimeout  = "approvalTimeout"
	ParamSynthDir         = "synthDir"
)

// DefaultSynthDir is the directory inside the source tree that holds the
// pipeline configuration.
const DefaultSynthDir = "infrastructure"

// RepoCoordinates locate the pipeline's source repository.
type RepoCoordinates struct {
	Owner  string
	Name   string
	Branch string
}

// DatabaseSettings mirrors the optional database block of an environment.
type DatabaseSettings struct {
	Name  string
	Admin string
}

// ParameterSet is the resolved, immutable set of environment-scoped values a
// stage graph is built from. Build one with NewParameterSet.
type ParameterSet struct {
	ServiceName      string
	Environment      string
	IsProd           bool
	Repo             RepoCoordinates
	ConnectionRef    string
	RegistryEndpoint string
	AppName          string
	Region           string
	ClusterArn       string
	ClusterName      string
	TaskDefinition   string
	Domain           string
	Subdomain        string
	BaseDir          string
	Database         *DatabaseSettings
	ApprovalTimeout  time.Duration
	SynthDir         string

	values map[string]any
}

// NewParameterSet decodes and validates merged configuration values. The
// input is copied; later changes to it are not observed.
func NewParameterSet(values map[string]any) (ParameterSet, error) {
	issues := &ConfigurationError{}
	copied := copyMap(values)

	p := ParameterSet{values: copied}
	p.ServiceName = requiredString(copied, ParamServiceName, issues)
	p.Environment = requiredString(copied, ParamEnvironment, issues)
	p.ConnectionRef = requiredString(copied, ParamConnectionRef, issues)
	p.RegistryEndpoint = requiredString(copied, ParamRegistryEndpoint, issues)

	if raw, ok := copied[ParamIsProd]; ok {
		isProd, err := asBool(raw)
		if err != nil {
			issues.Add(fmt.Sprintf("%s: %v", ParamIsProd, err))
		}
		p.IsProd = isProd
	}

	repo, ok := copied[ParamRepo]
	if !ok || repo == nil {
		issues.Add("repo is required")
	} else if repoMap, ok := repo.(map[string]any); !ok {
		issues.Add("repo must be an object")
	} else {
		p.Repo = RepoCoordinates{
			Owner:  nestedString(repoMap, "repo", "owner", issues),
			Name:   nestedString(repoMap, "repo", "name", issues),
			Branch: nestedString(repoMap, "repo", "branch", issues),
		}
	}

	if db, ok := copied[ParamDatabase]; ok && db != nil {
		dbMap, ok := db.(map[string]any)
		if !ok {
			issues.Add("database must be an object")
		} else {
			p.Database = &DatabaseSettings{
				Name:  optionalString(dbMap, "dbName", issues),
				Admin: optionalString(dbMap, "dbAdmin", issues),
			}
		}
	}

	if raw := optionalString(copied, ParamApprovalTimeout, issues); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			issues.Add(fmt.Sprintf("%s: %v", ParamApprovalTimeout, err))
		} else if d < 0 {
			issues.Add(fmt.Sprintf("%s must not be negative", ParamApprovalTimeout))
		}
		p.ApprovalTimeout = d
	}

	p.AppName = optionalString(copied, ParamAppName, issues)
	p.Region = optionalString(copied, ParamRegion, issues)
	p.ClusterArn = optionalString(copied, ParamClusterArn, issues)
	p.ClusterName = optionalString(copied, ParamClusterName, issues)
	p.TaskDefinition = optionalString(copied, ParamTaskDefinition, issues)
	p.Domain = optionalString(copied, ParamDomain, issues)
	p.Subdomain = optionalString(copied, ParamSubdomain, issues)
	p.BaseDir = optionalString(copied, ParamBaseDir, issues)
	p.SynthDir = optionalString(copied, ParamSynthDir, issues)
	if p.SynthDir == "" {
		p.SynthDir = DefaultSynthDir
		copied[ParamSynthDir] = DefaultSynthDir
	}

	if err := issues.OrNil(); err != nil {
		return ParameterSet{}, err
	}
	return p, nil
}

// Values returns a deep copy of every resolved key, including keys the
// struct fields do not model.
func (p ParameterSet) Values() map[string]any {
	return copyMap(p.values)
}

// Keys returns the sorted top-level keys of the set.
func (p ParameterSet) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup walks a dotted path (one element per segment) through the set.
func (p ParameterSet) Lookup(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var current any = p.values
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// TargetName names the deployable container for this service and environment.
func (p ParameterSet) TargetName() string {
	return p.ServiceName + "-" + p.Environment + "-container"
}

// PipelineName names the pipeline for this service and environment.
func (p ParameterSet) PipelineName() string {
	return p.ServiceName + "-" + p.Environment + "-pipeline"
}

func requiredString(values map[string]any, key string, issues *ConfigurationError) string {
	raw, ok := values[key]
	if !ok || raw == nil {
		issues.Add(key + " is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		issues.Add(key + " must be a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		issues.Add(key + " is required")
		return ""
	}
	return strings.TrimSpace(s)
}

func nestedString(values map[string]any, parent, key string, issues *ConfigurationError) string {
	raw, ok := values[key]
	if !ok || raw == nil {
		issues.Add(parent + "." + key + " is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		issues.Add(parent + "." + key + " must be a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		issues.Add(parent + "." + key + " is required")
		return ""
	}
	return strings.TrimSpace(s)
}

func optionalString(values map[string]any, key string, issues *ConfigurationError) string {
	raw, ok := values[key]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		issues.Add(key + " must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("must be a boolean, got %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("must be a boolean, got %T", raw)
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
