// Package definition serializes stage graphs as pipeline definitions.
//
// The encoding is canonical: identical graphs always encode to identical
// bytes, so a definition's fingerprint changes only when the pipeline does.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
)

// FormatVersion is written into every encoded definition.
const FormatVersion = 1

// Definition is an encoded stage graph plus its fingerprint.
type Definition struct {
	Pipeline    string
	Environment string
	Fingerprint string
	Raw         []byte
	Graph       domain.StageGraph
}

// New encodes g.
func New(g domain.StageGraph) (Definition, error) {
	raw, err := Marshal(g)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Pipeline:    g.Pipeline,
		Environment: g.Environment,
		Fingerprint: fingerprint(raw),
		Raw:         raw,
		Graph:       g.Clone(),
	}, nil
}

// Parse decodes and validates raw.
func Parse(raw []byte) (Definition, error) {
	g, err := Unmarshal(raw)
	if err != nil {
		return Definition{}, err
	}
	// Re-encode so that the fingerprint does not depend on the whitespace or
	// key order of the input.
	return New(g)
}

// Fingerprint returns the SHA-256 of the canonical encoding of g.
func Fingerprint(g domain.StageGraph) (string, error) {
	raw, err := Marshal(g)
	if err != nil {
		return "", err
	}
	return fingerprint(raw), nil
}

func fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Marshal serializes a stage graph with stable field names.
func Marshal(g domain.StageGraph) ([]byte, error) {
	payload := definitionPayload{
		Version:     FormatVersion,
		Pipeline:    g.Pipeline,
		Environment: g.Environment,
		Parameters:  g.Parameters.Values(),
		Stages:      make([]stagePayload, 0, len(g.Stages)),
	}
	for _, s := range g.Stages {
		payload.Stages = append(payload.Stages, stagePayloadFromDomain(s))
	}
	if g.Synth != nil {
		synth := stagePayloadFromDomain(*g.Synth)
		payload.Synth = &synth
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a definition and re-validates it as a stage graph.
func Unmarshal(raw []byte) (domain.StageGraph, error) {
	var payload definitionPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return domain.StageGraph{}, fmt.Errorf("decode definition: %w", err)
	}
	if payload.Version != FormatVersion {
		return domain.StageGraph{}, fmt.Errorf("unsupported definition version %d", payload.Version)
	}

	params, err := domain.NewParameterSet(normalizeNumbers(payload.Parameters).(map[string]any))
	if err != nil {
		return domain.StageGraph{}, err
	}

	decls := make([]graph.Declaration, 0, len(payload.Stages))
	for _, s := range payload.Stages {
		decls = append(decls, graph.Declaration{Stage: s.toDomain()})
	}
	var synth *domain.Stage
	if payload.Synth != nil {
		s := payload.Synth.toDomain()
		synth = &s
	}

	g, err := graph.BuildFrom(params, decls, synth)
	if err != nil {
		return domain.StageGraph{}, err
	}
	for i, s := range payload.Stages {
		if s.Ordinal != g.Stages[i].Ordinal {
			return domain.StageGraph{}, &domain.GraphConstructionError{Issues: []string{
				fmt.Sprintf("stage %s: ordinal %d does not match position %d", s.Name, s.Ordinal, g.Stages[i].Ordinal),
			}}
		}
	}
	if payload.Pipeline != "" && payload.Pipeline != g.Pipeline {
		return domain.StageGraph{}, &domain.GraphConstructionError{Issues: []string{
			fmt.Sprintf("pipeline name %q does not match parameters (%q)", payload.Pipeline, g.Pipeline),
		}}
	}
	return g, nil
}

// normalizeNumbers turns json.Number values back into int64 or float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNumbers(item)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

type definitionPayload struct {
	Version     int            `json:"version"`
	Pipeline    string         `json:"pipeline"`
	Environment string         `json:"environment"`
	Parameters  map[string]any `json:"parameters"`
	Stages      []stagePayload `json:"stages"`
	Synth       *stagePayload  `json:"synth,omitempty"`
}

type stagePayload struct {
	Name             string            `json:"name"`
	Ordinal          int               `json:"ordinal"`
	Kind             string            `json:"kind"`
	Action           string            `json:"action,omitempty"`
	Inputs           []string          `json:"inputs"`
	PrimaryOutput    *artifactPayload  `json:"primaryOutput,omitempty"`
	SecondaryOutputs []artifactPayload `json:"secondaryOutputs"`
	Commands         []string          `json:"commands"`
	Env              map[string]string `json:"env"`
	Exports          []string          `json:"exports"`

	Source   *sourcePayload   `json:"source,omitempty"`
	Approval *approvalPayload `json:"approval,omitempty"`
	Build    *buildPayload    `json:"build,omitempty"`
	Deploy   *deployPayload   `json:"deploy,omitempty"`
	Synth    *synthPayload    `json:"synth,omitempty"`
}

type artifactPayload struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

type sourcePayload struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	ConnectionRef string `json:"connectionRef"`
}

type approvalPayload struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type buildPayload struct {
	RegistryEndpoint string `json:"registryEndpoint"`
	Dockerfile       string `json:"dockerfile"`
	ContextDir       string `json:"contextDir"`
	TargetName       string `json:"targetName"`
	DescriptorFile   string `json:"descriptorFile"`
	MovingTag        string `json:"movingTag"`
}

type deployPayload struct {
	Cluster        string `json:"cluster"`
	TaskDefinition string `json:"taskDefinition"`
	Container      string `json:"container"`
	CommandsFile   string `json:"commandsFile"`
	TaskDefFile    string `json:"taskDefFile"`
}

type synthPayload struct {
	InstallCommands []string `json:"installCommands"`
	WorkDir         string   `json:"workDir,omitempty"`
	OutputDirectory string   `json:"outputDirectory"`
	DefinitionFile  string   `json:"definitionFile"`
	EnvironmentName string   `json:"environmentName"`
}

func stagePayloadFromDomain(s domain.Stage) stagePayload {
	out := stagePayload{
		Name:             s.Name,
		Ordinal:          s.Ordinal,
		Kind:             string(s.Kind),
		Action:           s.Action,
		Inputs:           nonNil(s.Inputs),
		SecondaryOutputs: make([]artifactPayload, 0, len(s.SecondaryOutputs)),
		Commands:         nonNil(s.Commands),
		Env:              map[string]string{},
		Exports:          nonNil(s.Exports),
	}
	if s.PrimaryOutput != nil {
		out.PrimaryOutput = &artifactPayload{Name: s.PrimaryOutput.Name, Files: nonNil(s.PrimaryOutput.Files)}
	}
	for _, spec := range s.SecondaryOutputs {
		out.SecondaryOutputs = append(out.SecondaryOutputs, artifactPayload{Name: spec.Name, Files: nonNil(spec.Files)})
	}
	for k, v := range s.Env {
		out.Env[k] = v
	}
	if s.Source != nil {
		out.Source = &sourcePayload{
			Owner:         s.Source.Owner,
			Repo:          s.Source.Repo,
			Branch:        s.Source.Branch,
			ConnectionRef: s.Source.ConnectionRef,
		}
	}
	if s.Approval != nil {
		out.Approval = &approvalPayload{TimeoutSeconds: s.Approval.TimeoutSeconds}
	}
	if s.Build != nil {
		out.Build = &buildPayload{
			RegistryEndpoint: s.Build.RegistryEndpoint,
			Dockerfile:       s.Build.Dockerfile,
			ContextDir:       s.Build.ContextDir,
			TargetName:       s.Build.TargetName,
			DescriptorFile:   s.Build.DescriptorFile,
			MovingTag:        s.Build.MovingTag,
		}
	}
	if s.Deploy != nil {
		out.Deploy = &deployPayload{
			Cluster:        s.Deploy.Cluster,
			TaskDefinition: s.Deploy.TaskDefinition,
			Container:      s.Deploy.Container,
			CommandsFile:   s.Deploy.CommandsFile,
			TaskDefFile:    s.Deploy.TaskDefFile,
		}
	}
	if s.Synth != nil {
		out.Synth = &synthPayload{
			InstallCommands: nonNil(s.Synth.InstallCommands),
			WorkDir:         s.Synth.WorkDir,
			OutputDirectory: s.Synth.OutputDirectory,
			DefinitionFile:  s.Synth.DefinitionFile,
			EnvironmentName: s.Synth.EnvironmentName,
		}
	}
	return out
}

func (p stagePayload) toDomain() domain.Stage {
	out := domain.Stage{
		Name:     p.Name,
		Ordinal:  p.Ordinal,
		Kind:     domain.StageKind(p.Kind),
		Action:   p.Action,
		Inputs:   emptyToNil(p.Inputs),
		Commands: emptyToNil(p.Commands),
		Exports:  emptyToNil(p.Exports),
	}
	if len(p.Env) > 0 {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	if p.PrimaryOutput != nil {
		out.PrimaryOutput = &domain.ArtifactSpec{Name: p.PrimaryOutput.Name, Files: emptyToNil(p.PrimaryOutput.Files)}
	}
	for _, spec := range p.SecondaryOutputs {
		out.SecondaryOutputs = append(out.SecondaryOutputs, domain.ArtifactSpec{Name: spec.Name, Files: emptyToNil(spec.Files)})
	}
	if p.Source != nil {
		out.Source = &domain.SourceSpec{
			Owner:         p.Source.Owner,
			Repo:          p.Source.Repo,
			Branch:        p.Source.Branch,
			ConnectionRef: p.Source.ConnectionRef,
		}
	}
	if p.Approval != nil {
		out.Approval = &domain.ApprovalSpec{TimeoutSeconds: p.Approval.TimeoutSeconds}
	}
	if p.Build != nil {
		out.Build = &domain.BuildSpec{
			RegistryEndpoint: p.Build.RegistryEndpoint,
			Dockerfile:       p.Build.Dockerfile,
			ContextDir:       p.Build.ContextDir,
			TargetName:       p.Build.TargetName,
			DescriptorFile:   p.Build.DescriptorFile,
			MovingTag:        p.Build.MovingTag,
		}
	}
	if p.Deploy != nil {
		out.Deploy = &domain.DeploySpec{
			Cluster:        p.Deploy.Cluster,
			TaskDefinition: p.Deploy.TaskDefinition,
			Container:      p.Deploy.Container,
			CommandsFile:   p.Deploy.CommandsFile,
			TaskDefFile:    p.Deploy.TaskDefFile,
		}
	}
	if p.Synth != nil {
		out.Synth = &domain.SynthSpec{
			InstallCommands: emptyToNil(p.Synth.InstallCommands),
			WorkDir:         p.Synth.WorkDir,
			OutputDirectory: p.Synth.OutputDirectory,
			DefinitionFile:  p.Synth.DefinitionFile,
			EnvironmentName: p.Synth.EnvironmentName,
		}
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}

func emptyToNil(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}
