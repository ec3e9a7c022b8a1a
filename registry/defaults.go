package registry

import "github.com/flywheelhq/gateflow/workflow"

// Default returns the built-in idea-flywheel phase catalog. Used when no
// registry file is configured. The same engine serves other catalogs
// (venture phases, QMS gates) purely through configuration.
func Default() *Registry {
	r, err := New([]workflow.PhaseDefinition{
		{
			Ordinal: 1,
			Name:    "spark",
			Criteria: []workflow.Criterion{
				{ID: "novelty", Weight: 10, Prompt: "Is this idea meaningfully different from what already exists in the market?"},
				{ID: "problem-fit", Weight: 15, Prompt: "Does the idea address a real, clearly articulated problem?"},
				{ID: "clarity", Weight: 5, Prompt: "Is the idea described clearly enough that a stranger could restate it?"},
			},
			PassThreshold:     60,
			EscalateThreshold: 40,
			Deliverables:      []string{"spark/*.md"},
		},
		{
			Ordinal: 2,
			Name:    "validate",
			Criteria: []workflow.Criterion{
				{ID: "market-size", Weight: 10, Prompt: "Is the addressable market large enough to sustain a business?"},
				{ID: "evidence", Weight: 20, Prompt: "Is there concrete evidence of demand (interviews, signups, competitor traction)?"},
				{ID: "feasibility", Weight: 10, Prompt: "Can a first version be built with realistic resources?"},
			},
			PassThreshold:     70,
			EscalateThreshold: 45,
			Deliverables:      []string{"validate/**/*.md"},
		},
		{
			Ordinal: 3,
			Name:    "build",
			Criteria: []workflow.Criterion{
				{ID: "scope", Weight: 15, Prompt: "Is the build scope minimal yet sufficient to test the core hypothesis?"},
				{ID: "plan-quality", Weight: 10, Prompt: "Is there a credible execution plan with milestones and owners?"},
				{ID: "risk", Weight: 10, Prompt: "Are the top execution risks identified with mitigations?"},
			},
			PassThreshold:     70,
			EscalateThreshold: 50,
			Deliverables:      []string{"build/*.md"},
		},
		{
			Ordinal: 4,
			Name:    "launch",
			Criteria: []workflow.Criterion{
				{ID: "readiness", Weight: 15, Prompt: "Is the offering ready for real customers (support, pricing, onboarding)?"},
				{ID: "go-to-market", Weight: 15, Prompt: "Is there a concrete, costed go-to-market motion for the first 90 days?"},
			},
			PassThreshold:     75,
			EscalateThreshold: 55,
			Deliverables:      []string{"launch/*.md"},
		},
	})
	if err != nil {
		// The built-in catalog is validated by tests; reaching this is a bug.
		panic("registry: invalid default catalog: " + err.Error())
	}
	return r
}
