// Package graph builds the ordered stage graph of a pipeline from a resolved
// parameter set.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/template"
)

// Predicate decides whether a declared stage is part of the graph. It is
// evaluated once, at build time.
type Predicate func(domain.ParameterSet) bool

// Always includes the stage unconditionally.
func Always(domain.ParameterSet) bool { return true }

// WhenProd includes the stage only for production parameter sets.
func WhenProd(p domain.ParameterSet) bool { return p.IsProd }

// Declaration is a stage as written, before inclusion and ordinal assignment.
// A nil Include behaves like Always.
type Declaration struct {
	Stage   domain.Stage
	Include Predicate
}

// Build constructs the default pipeline for p.
func Build(p domain.ParameterSet) (domain.StageGraph, error) {
	synth := DefaultSynth(p)
	return BuildFrom(p, DefaultDeclarations(p), &synth)
}

// BuildFrom constructs a graph from decls in declaration order. synth may be
// nil for pipelines that do not redefine themselves.
func BuildFrom(p domain.ParameterSet, decls []Declaration, synth *domain.Stage) (domain.StageGraph, error) {
	b := &builder{
		params:    p,
		cfg:       &domain.ConfigurationError{},
		graph:     &domain.GraphConstructionError{},
		produced:  map[string]string{},
		exported:  map[string]string{},
		names:     map[string]struct{}{},
		exportsAt: map[string]map[string]string{},
	}

	stages := make([]domain.Stage, 0, len(decls))
	for _, decl := range decls {
		include := decl.Include
		if include == nil {
			include = Always
		}
		if !include(p) {
			continue
		}
		stage := decl.Stage.Clone()
		stage.Ordinal = len(stages) + 1
		b.addStage(&stage)
		stages = append(stages, stage)
	}
	if len(stages) == 0 {
		b.graph.Add("pipeline has no included stages")
	}

	var synthStage *domain.Stage
	if synth != nil {
		s := synth.Clone()
		s.Ordinal = 0
		b.addSynth(&s)
		synthStage = &s
	}

	if err := b.err(); err != nil {
		return domain.StageGraph{}, err
	}
	return domain.StageGraph{
		Pipeline:    p.PipelineName(),
		Environment: p.Environment,
		Parameters:  p,
		Stages:      stages,
		Synth:       synthStage,
	}, nil
}

type builder struct {
	params domain.ParameterSet
	cfg    *domain.ConfigurationError
	graph  *domain.GraphConstructionError

	// produced maps artifact name to producing stage.
	produced map[string]string

	// exported maps variable name to the latest stage exporting it.
	exported map[string]string

	// exportsAt snapshots exported after each stage, keyed by stage name.
	exportsAt map[string]map[string]string

	names       map[string]struct{}
	lastPrimary string
}

func (b *builder) addStage(stage *domain.Stage) {
	b.checkIdentity(stage)

	inputs := make([]string, 0, len(stage.Inputs))
	for _, input := range stage.Inputs {
		input = strings.TrimSpace(input)
		if input == domain.PreviousOutput {
			if b.lastPrimary == "" {
				b.graph.Add(fmt.Sprintf("stage %s: %s has no preceding primary output", stage.Name, domain.PreviousOutput))
				continue
			}
			input = b.lastPrimary
		}
		if _, ok := b.produced[input]; !ok {
			b.graph.Add(fmt.Sprintf("stage %s: input %q is not produced by an earlier stage", stage.Name, input))
		}
		inputs = append(inputs, input)
	}
	stage.Inputs = inputs

	b.checkTemplates(*stage, b.exported)
	b.registerOutputs(*stage)
	b.registerExports(*stage)
	if stage.PrimaryOutput != nil {
		b.lastPrimary = stage.PrimaryOutput.Name
	}
	b.exportsAt[stage.Name] = copyStrings(b.exported)
}

func (b *builder) addSynth(stage *domain.Stage) {
	b.checkIdentity(stage)
	if stage.Kind != domain.StageKindSynth {
		b.graph.Add(fmt.Sprintf("stage %s: synth stage must have kind %q", stage.Name, domain.StageKindSynth))
	}
	if len(stage.Inputs) != 1 {
		b.graph.Add(fmt.Sprintf("stage %s: synth stage must be bound to exactly one input", stage.Name))
		return
	}
	if len(stage.Exports) > 0 {
		b.graph.Add(fmt.Sprintf("stage %s: synth stage cannot export variables", stage.Name))
	}
	input := strings.TrimSpace(stage.Inputs[0])
	stage.Inputs = []string{input}
	producer, ok := b.produced[input]
	if !ok {
		b.graph.Add(fmt.Sprintf("stage %s: input %q is not produced by any stage", stage.Name, input))
		return
	}
	// Synth runs as soon as its input exists, so it sees only the variables
	// exported up to the producer.
	b.checkTemplates(*stage, b.exportsAt[producer])
	b.registerOutputs(*stage)
}

func (b *builder) checkIdentity(stage *domain.Stage) {
	stage.Name = strings.TrimSpace(stage.Name)
	if err := stage.ValidatePayload(); err != nil {
		b.graph.Add(err.Error())
	}
	if stage.Name == "" {
		return
	}
	if _, dup := b.names[stage.Name]; dup {
		b.graph.Add(fmt.Sprintf("stage name %q is declared twice", stage.Name))
	}
	b.names[stage.Name] = struct{}{}
}

func (b *builder) registerOutputs(stage domain.Stage) {
	for _, name := range stage.OutputNames() {
		if strings.TrimSpace(name) == "" {
			b.graph.Add(fmt.Sprintf("stage %s: output name is required", stage.Name))
			continue
		}
		if name == domain.PreviousOutput {
			b.graph.Add(fmt.Sprintf("stage %s: output name %q is reserved", stage.Name, name))
			continue
		}
		if owner, dup := b.produced[name]; dup {
			b.graph.Add(fmt.Sprintf("stage %s: output %q is already produced by %s", stage.Name, name, owner))
			continue
		}
		b.produced[name] = stage.Name
	}
}

func (b *builder) registerExports(stage domain.Stage) {
	seen := make(map[string]struct{}, len(stage.Exports))
	for _, name := range stage.Exports {
		name = strings.TrimSpace(name)
		if name == "" {
			b.graph.Add(fmt.Sprintf("stage %s: exported variable name is required", stage.Name))
			continue
		}
		if _, dup := seen[name]; dup {
			b.graph.Add(fmt.Sprintf("stage %s: exports %q twice", stage.Name, name))
			continue
		}
		seen[name] = struct{}{}
		b.exported[name] = stage.Name
	}
}

func (b *builder) checkTemplates(stage domain.Stage, visible map[string]string) {
	templates := stage.Templates()
	labels := make([]string, 0, len(templates))
	for label := range templates {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		tmpl, err := template.Parse(stage.Name+"."+label, templates[label])
		if err != nil {
			b.graph.Add(err.Error())
			continue
		}
		for _, ref := range tmpl.References() {
			switch ref.Root {
			case template.RootParams:
				if len(ref.Path) == 0 {
					continue
				}
				if _, ok := b.params.Lookup(ref.Path...); !ok {
					b.cfg.Add(fmt.Sprintf("stage %s %s: parameter %s is not set", stage.Name, label, strings.Join(ref.Path, ".")))
				}
			case template.RootExported:
				if len(ref.Path) != 1 {
					b.graph.Add(fmt.Sprintf("stage %s %s: %s must name one exported variable", stage.Name, label, ref))
					continue
				}
				if _, ok := visible[ref.Path[0]]; !ok {
					b.graph.Add(fmt.Sprintf("stage %s %s: %s is not exported by an earlier stage", stage.Name, label, ref))
				}
			default:
				b.graph.Add(fmt.Sprintf("stage %s %s: unknown reference %s", stage.Name, label, ref))
			}
		}
	}
}

func (b *builder) err() error {
	cfgErr := b.cfg.OrNil()
	graphErr := b.graph.OrNil()
	switch {
	case cfgErr != nil && graphErr != nil:
		return errors.Join(cfgErr, graphErr)
	case cfgErr != nil:
		return cfgErr
	default:
		return graphErr
	}
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
