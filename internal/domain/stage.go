package domain

import (
	"fmt"
	"strings"
)

// StageKind tags the payload a Stage carries.
type StageKind string

const (
	StageKindSource   StageKind = "source"
	StageKindApproval StageKind = "approval"
	StageKindBuild    StageKind = "build"
	StageKindDeploy   StageKind = "deploy"
	StageKindSynth    StageKind = "synth"
)

// Valid reports whether k is a known kind.
func (k StageKind) Valid() bool {
	switch k {
	case StageKindSource, StageKindApproval, StageKindBuild, StageKindDeploy, StageKindSynth:
		return true
	default:
		return false
	}
}

// PreviousOutput is an input reference resolved at graph construction to the
// primary output of the nearest preceding included stage.
const PreviousOutput = "@previous"

// ArtifactSpec declares an output artifact and the files it contains.
type ArtifactSpec struct {
	Name  string
	Files []string
}

// Stage is one unit of pipeline work. Exactly one of the kind payloads is set
// and it matches Kind.
type Stage struct {
	Name             string
	Ordinal          int
	Kind             StageKind
	Action           string
	Inputs           []string
	PrimaryOutput    *ArtifactSpec
	SecondaryOutputs []ArtifactSpec
	Commands         []string
	Env              map[string]string
	Exports          []string

	Source   *SourceSpec
	Approval *ApprovalSpec
	Build    *BuildSpec
	Deploy   *DeploySpec
	Synth    *SynthSpec
}

// SourceSpec fetches a repository branch through a connection.
type SourceSpec struct {
	Owner         string
	Repo          string
	Branch        string
	ConnectionRef string
}

// ApprovalSpec gates the run on a human decision. Zero TimeoutSeconds waits
// until the run is cancelled.
type ApprovalSpec struct {
	TimeoutSeconds int
}

// BuildSpec builds, tags and pushes an image from the source tree.
type BuildSpec struct {
	RegistryEndpoint string
	Dockerfile       string
	ContextDir       string
	TargetName       string
	DescriptorFile   string
	MovingTag        string
}

// DeploySpec updates the deployable unit with the built image.
type DeploySpec struct {
	Cluster        string
	TaskDefinition string
	Container      string
	CommandsFile   string
	TaskDefFile    string
}

// SynthSpec regenerates the pipeline definition from the source tree.
type SynthSpec struct {
	InstallCommands []string
	WorkDir         string
	OutputDirectory string
	DefinitionFile  string
	EnvironmentName string
}

// OutputNames lists every artifact the stage produces, primary first.
func (s Stage) OutputNames() []string {
	out := make([]string, 0, 1+len(s.SecondaryOutputs))
	if s.PrimaryOutput != nil {
		out = append(out, s.PrimaryOutput.Name)
	}
	for _, spec := range s.SecondaryOutputs {
		out = append(out, spec.Name)
	}
	return out
}

// Templates lists every templated string the stage carries, keyed by a
// location label used in error messages.
func (s Stage) Templates() map[string]string {
	out := make(map[string]string)
	for i, cmd := range s.Commands {
		out[fmt.Sprintf("commands[%d]", i)] = cmd
	}
	for k, v := range s.Env {
		out["env."+k] = v
	}
	if s.Synth != nil {
		for i, cmd := range s.Synth.InstallCommands {
			out[fmt.Sprintf("synth.installCommands[%d]", i)] = cmd
		}
		out["synth.outputDirectory"] = s.Synth.OutputDirectory
	}
	if s.Build != nil {
		out["build.targetName"] = s.Build.TargetName
	}
	return out
}

// ValidatePayload checks that the kind payload matches Kind.
func (s Stage) ValidatePayload() error {
	set := 0
	for _, present := range []bool{s.Source != nil, s.Approval != nil, s.Build != nil, s.Deploy != nil, s.Synth != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("stage %q must carry exactly one kind payload, has %d", s.Name, set)
	}
	var ok bool
	switch s.Kind {
	case StageKindSource:
		ok = s.Source != nil
	case StageKindApproval:
		ok = s.Approval != nil
	case StageKindBuild:
		ok = s.Build != nil
	case StageKindDeploy:
		ok = s.Deploy != nil
	case StageKindSynth:
		ok = s.Synth != nil
	default:
		return fmt.Errorf("stage %q has unknown kind %q", s.Name, s.Kind)
	}
	if !ok {
		return fmt.Errorf("stage %q payload does not match kind %q", s.Name, s.Kind)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stage name is required")
	}
	return nil
}
