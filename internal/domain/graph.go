package domain

// StageGraph is the ordered, conditionally filtered stage sequence of one
// pipeline plus the synth stage that owns it. A graph is built once per
// synthesis and is not edited afterwards; Clone before handing it to code
// that might.
type StageGraph struct {
	Pipeline    string
	Environment string
	Parameters  ParameterSet
	Stages      []Stage
	Synth       *Stage
}

// StageNames returns the ordered stage names.
func (g StageGraph) StageNames() []string {
	out := make([]string, 0, len(g.Stages))
	for _, s := range g.Stages {
		out = append(out, s.Name)
	}
	return out
}

// Stage returns the named stage, including the synth stage.
func (g StageGraph) Stage(name string) (Stage, bool) {
	for _, s := range g.Stages {
		if s.Name == name {
			return s, true
		}
	}
	if g.Synth != nil && g.Synth.Name == name {
		return *g.Synth, true
	}
	return Stage{}, false
}

// Producer returns the stage that produces artifact name.
func (g StageGraph) Producer(name string) (Stage, bool) {
	for _, s := range g.Stages {
		for _, out := range s.OutputNames() {
			if out == name {
				return s, true
			}
		}
	}
	return Stage{}, false
}

// Clone returns a deep copy of the graph.
func (g StageGraph) Clone() StageGraph {
	out := g
	out.Stages = make([]Stage, len(g.Stages))
	for i, s := range g.Stages {
		out.Stages[i] = s.Clone()
	}
	if g.Synth != nil {
		synth := g.Synth.Clone()
		out.Synth = &synth
	}
	return out
}

// Clone returns a deep copy of the stage.
func (s Stage) Clone() Stage {
	out := s
	out.Inputs = append([]string(nil), s.Inputs...)
	out.Commands = append([]string(nil), s.Commands...)
	out.Exports = append([]string(nil), s.Exports...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.PrimaryOutput != nil {
		primary := ArtifactSpec{Name: s.PrimaryOutput.Name, Files: append([]string(nil), s.PrimaryOutput.Files...)}
		out.PrimaryOutput = &primary
	}
	if s.SecondaryOutputs != nil {
		out.SecondaryOutputs = make([]ArtifactSpec, len(s.SecondaryOutputs))
		for i, spec := range s.SecondaryOutputs {
			out.SecondaryOutputs[i] = ArtifactSpec{Name: spec.Name, Files: append([]string(nil), spec.Files...)}
		}
	}
	if s.Source != nil {
		v := *s.Source
		out.Source = &v
	}
	if s.Approval != nil {
		v := *s.Approval
		out.Approval = &v
	}
	if s.Build != nil {
		v := *s.Build
		out.Build = &v
	}
	if s.Deploy != nil {
		v := *s.Deploy
		out.Deploy = &v
	}
	if s.Synth != nil {
		v := *s.Synth
		v.InstallCommands = append([]string(nil), s.Synth.InstallCommands...)
		out.Synth = &v
	}
	return out
}
