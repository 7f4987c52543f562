package graph

import (
	"math"
	"path"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
)

// Stage names of the default pipeline.
const (
	StageSource   = "Source"
	StageApproval = "Approval"
	StageBuild    = "Build"
	StageDeploy   = "Deploy"
	StageSynth    = "Synth"
)

// Artifact names of the default pipeline.
const (
	ArtifactSource           = "SourceOutput"
	ArtifactImageDefinitions = "imagedefinitions"
	ArtifactBuild            = "BuildOutput"
	ArtifactTaskDefinition   = "taskdefinition"
	ArtifactSynth            = "SynthOutput"
)

// Exported variables of the default pipeline.
const (
	ExportCommitID = "commitId"
	ExportImageTag = "imageTag"
)

const (
	DefaultDescriptorFile  = "imagedefinitions.json"
	DefaultDeployCommands  = "buildspec-deploy.yml"
	DefaultTaskDefFile     = "taskdef.json"
	DefaultDefinitionFile  = "pipeline.json"
	DefaultMovingTag       = "latest"
	DefaultPipelineConfig  = "pipeline.yaml"
	DefaultSynthOutputName = "pipeline.out"
)

// DefaultDeclarations declares Source, Approval (production only), Build and
// Deploy in that order.
func DefaultDeclarations(p domain.ParameterSet) []Declaration {
	taskDef := p.TaskDefinition
	if taskDef == "" {
		taskDef = p.ServiceName + "-" + p.Environment
	}
	cluster := p.ClusterName
	if cluster == "" {
		cluster = p.ClusterArn
	}

	return []Declaration{
		{
			Stage: domain.Stage{
				Name:          StageSource,
				Kind:          domain.StageKindSource,
				Action:        "Checkout",
				PrimaryOutput: &domain.ArtifactSpec{Name: ArtifactSource, Files: []string{"**/*"}},
				Exports:       []string{ExportCommitID},
				Source: &domain.SourceSpec{
					Owner:         p.Repo.Owner,
					Repo:          p.Repo.Name,
					Branch:        p.Repo.Branch,
					ConnectionRef: p.ConnectionRef,
				},
			},
		},
		{
			Include: WhenProd,
			Stage: domain.Stage{
				Name:     StageApproval,
				Kind:     domain.StageKindApproval,
				Action:   "ApprovalAction",
				Approval: &domain.ApprovalSpec{TimeoutSeconds: timeoutSeconds(p.ApprovalTimeout)},
			},
		},
		{
			Stage: domain.Stage{
				Name:   StageBuild,
				Kind:   domain.StageKindBuild,
				Action: "BuildImage",
				Inputs: []string{ArtifactSource},
				PrimaryOutput: &domain.ArtifactSpec{
					Name:  ArtifactImageDefinitions,
					Files: []string{DefaultDescriptorFile},
				},
				SecondaryOutputs: []domain.ArtifactSpec{
					{Name: ArtifactBuild, Files: []string{"**/*"}},
				},
				Env: map[string]string{
					"REPOSITORY_URI": "${params.registryEndpoint}",
					"ENV_NAME":       "${params.environment}",
				},
				Exports: []string{ExportImageTag},
				Build: &domain.BuildSpec{
					RegistryEndpoint: p.RegistryEndpoint,
					Dockerfile:       "Dockerfile",
					ContextDir:       ".",
					TargetName:       "${params.serviceName}-${params.environment}-container",
					DescriptorFile:   DefaultDescriptorFile,
					MovingTag:        DefaultMovingTag,
				},
			},
		},
		{
			Stage: domain.Stage{
				Name:   StageDeploy,
				Kind:   domain.StageKindDeploy,
				Action: "UpdateTaskDef",
				Inputs: []string{domain.PreviousOutput, ArtifactBuild},
				PrimaryOutput: &domain.ArtifactSpec{
					Name:  ArtifactTaskDefinition,
					Files: []string{DefaultTaskDefFile},
				},
				Commands: []string{
					"echo rolling ${params.serviceName} in ${params.environment} to ${exported.imageTag}",
				},
				Env: map[string]string{
					"IMAGE_TAG": "${exported.imageTag}",
					"ENV_NAME":  "${params.environment}",
				},
				Deploy: &domain.DeploySpec{
					Cluster:        cluster,
					TaskDefinition: taskDef,
					Container:      p.TargetName(),
					CommandsFile:   DefaultDeployCommands,
					TaskDefFile:    DefaultTaskDefFile,
				},
			},
		},
	}
}

// DefaultSynth declares the synth stage bound to the source artifact. Its
// commands run from the root of the source tree and regenerate the definition
// with the orchestrator checked into it.
func DefaultSynth(p domain.ParameterSet) domain.Stage {
	return domain.Stage{
		Name:          StageSynth,
		Kind:          domain.StageKindSynth,
		Action:        "SynthPipeline",
		Inputs:        []string{ArtifactSource},
		PrimaryOutput: &domain.ArtifactSpec{Name: ArtifactSynth, Files: []string{"**/*"}},
		Commands: []string{
			"go run ./orchestrator synth --env ${params.environment} --config ${params.synthDir}/" + DefaultPipelineConfig +
				" --out ${params.synthDir}/" + DefaultSynthOutputName,
		},
		Synth: &domain.SynthSpec{
			InstallCommands: []string{"go mod download"},
			OutputDirectory: path.Join("${params.synthDir}", DefaultSynthOutputName),
			DefinitionFile:  DefaultDefinitionFile,
			EnvironmentName: p.Environment,
		},
	}
}

// timeoutSeconds rounds d up to whole seconds. Zero means no timeout, so a
// positive sub-second duration must not truncate to it.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
