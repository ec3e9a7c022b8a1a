// Package registry provides the static phase catalog: the ordered phase
// definitions and the gates protecting them. The registry is loaded once at
// startup and read-only thereafter; phase definitions are versioned by
// redeploying the registry, not edited live, so historical gate results stay
// interpretable against the rules active when they were produced.
package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/flywheelhq/gateflow/workflow"
)

// Registry is the immutable catalog of phase definitions.
type Registry struct {
	phases []workflow.PhaseDefinition
}

// file is the YAML document shape for a phase registry.
type file struct {
	Phases []workflow.PhaseDefinition `yaml:"phases"`
}

// Load reads and validates a phase registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Parse(data)
}

// Parse builds and validates a phase registry from YAML bytes.
// Validation failures are fatal at load time so they are never reached at
// runtime.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return New(f.Phases)
}

// New builds a registry from phase definitions, validating the full catalog.
func New(phases []workflow.PhaseDefinition) (*Registry, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("registry must define at least one phase")
	}

	// Sort by ordinal so YAML authoring order doesn't matter.
	sorted := make([]workflow.PhaseDefinition, len(phases))
	copy(sorted, phases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	for i := range sorted {
		if err := validatePhase(&sorted[i], i+1); err != nil {
			return nil, err
		}
	}

	return &Registry{phases: sorted}, nil
}

func validatePhase(p *workflow.PhaseDefinition, expectedOrdinal int) error {
	if p.Ordinal != expectedOrdinal {
		return fmt.Errorf("phase ordinals must be contiguous from 1: expected %d, got %d (%s)",
			expectedOrdinal, p.Ordinal, p.Name)
	}
	if p.Name == "" {
		return fmt.Errorf("phase %d: name is required", p.Ordinal)
	}
	if len(p.Criteria) == 0 {
		return fmt.Errorf("phase %d (%s): at least one criterion is required", p.Ordinal, p.Name)
	}
	if p.PassThreshold < 0 || p.PassThreshold > 100 {
		return fmt.Errorf("phase %d (%s): pass_threshold must be in [0,100], got %g",
			p.Ordinal, p.Name, p.PassThreshold)
	}
	if p.EscalateThreshold < 0 || p.EscalateThreshold > 100 {
		return fmt.Errorf("phase %d (%s): escalate_threshold must be in [0,100], got %g",
			p.Ordinal, p.Name, p.EscalateThreshold)
	}
	if p.EscalateThreshold > p.PassThreshold {
		return fmt.Errorf("phase %d (%s): escalate_threshold %g exceeds pass_threshold %g",
			p.Ordinal, p.Name, p.EscalateThreshold, p.PassThreshold)
	}

	seen := make(map[string]bool, len(p.Criteria))
	for _, c := range p.Criteria {
		if c.ID == "" {
			return fmt.Errorf("phase %d (%s): criterion id is required", p.Ordinal, p.Name)
		}
		if seen[c.ID] {
			return fmt.Errorf("phase %d (%s): duplicate criterion id %q", p.Ordinal, p.Name, c.ID)
		}
		seen[c.ID] = true
		if c.Prompt == "" {
			return fmt.Errorf("phase %d (%s): criterion %s: prompt is required", p.Ordinal, p.Name, c.ID)
		}
		if c.Weight <= 0 {
			return fmt.Errorf("phase %d (%s): criterion %s: weight must be positive, got %g",
				p.Ordinal, p.Name, c.ID, c.Weight)
		}
	}

	for _, glob := range p.Deliverables {
		if !doublestar.ValidatePattern(glob) {
			return fmt.Errorf("phase %d (%s): invalid deliverable pattern %q", p.Ordinal, p.Name, glob)
		}
	}

	return nil
}

// Len returns the number of phases.
func (r *Registry) Len() int {
	return len(r.phases)
}

// DefinitionFor returns the phase definition for the given ordinal.
func (r *Registry) DefinitionFor(ordinal int) (*workflow.PhaseDefinition, error) {
	if ordinal < 1 || ordinal > len(r.phases) {
		return nil, fmt.Errorf("no phase with ordinal %d (registry has %d phases)", ordinal, len(r.phases))
	}
	return &r.phases[ordinal-1], nil
}

// NextOrdinal returns the ordinal following current, or false when current is
// the last phase.
func (r *Registry) NextOrdinal(current int) (int, bool) {
	if current < 1 || current >= len(r.phases) {
		return 0, false
	}
	return current + 1, true
}

// Phases returns a copy of all phase definitions in ordinal order.
func (r *Registry) Phases() []workflow.PhaseDefinition {
	out := make([]workflow.PhaseDefinition, len(r.phases))
	copy(out, r.phases)
	return out
}
