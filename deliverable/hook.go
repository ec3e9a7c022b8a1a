// Package deliverable generates phase output artifacts when a work item
// enters a phase. Generation is best-effort: failures are audited, never
// propagated, and never roll back a transition.
package deliverable

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flywheelhq/gateflow/registry"
	"github.com/flywheelhq/gateflow/workflow"
)

// DefaultGenerateTimeout bounds one content-generation call.
const DefaultGenerateTimeout = 2 * time.Minute

// Generator produces deliverable content from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type auditAppender interface {
	Append(ctx context.Context, entry *workflow.AuditEntry) error
}

// Hook dispatches deliverable generation when phases are entered. Each
// phase's deliverable globs are resolved against the template directory;
// every matching template is rendered asynchronously.
type Hook struct {
	reg         *registry.Registry
	gen         Generator
	auditLog    auditAppender
	templateDir string
	outputDir   string
	timeout     time.Duration
	logger      *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Hook.
type Option func(*Hook)

// WithGenerateTimeout bounds each generation call.
func WithGenerateTimeout(d time.Duration) Option {
	return func(h *Hook) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hook) {
		h.logger = logger
	}
}

// NewHook creates a deliverable hook. Templates are read from templateDir;
// generated artifacts are written under outputDir.
func NewHook(reg *registry.Registry, gen Generator, auditLog auditAppender, templateDir, outputDir string, opts ...Option) *Hook {
	h := &Hook{
		reg:         reg,
		gen:         gen,
		auditLog:    auditLog,
		templateDir: templateDir,
		outputDir:   outputDir,
		timeout:     DefaultGenerateTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnPhaseEntered resolves the phase's deliverable templates and dispatches
// generation for each. Returns immediately; the caller's transition never
// waits on content generation.
func (h *Hook) OnPhaseEntered(ctx context.Context, item *workflow.WorkItem, phaseOrdinal int) {
	phase, err := h.reg.DefinitionFor(phaseOrdinal)
	if err != nil || len(phase.Deliverables) == 0 {
		return
	}

	templates := h.resolveTemplates(item, phase)
	for _, tmpl := range templates {
		h.wg.Add(1)
		go func(templatePath string) {
			defer h.wg.Done()
			h.generate(context.WithoutCancel(ctx), item, phase, templatePath)
		}(tmpl)
	}
}

// Wait blocks until all dispatched generations finish. Intended for
// shutdown and tests.
func (h *Hook) Wait() {
	h.wg.Wait()
}

// resolveTemplates expands the phase's deliverable globs against the
// template directory. Patterns that match nothing are audited so missing
// deliverables are discoverable.
func (h *Hook) resolveTemplates(item *workflow.WorkItem, phase *workflow.PhaseDefinition) []string {
	fsys := os.DirFS(h.templateDir)
	var templates []string
	for _, pattern := range phase.Deliverables {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			h.logger.Warn("Bad deliverable pattern",
				"phase", phase.Ordinal, "pattern", pattern, "error", err)
			continue
		}
		if len(matches) == 0 {
			h.appendFailure(context.Background(), item, phase.Ordinal, pattern,
				fmt.Errorf("no templates match pattern %q", pattern))
			continue
		}
		templates = append(templates, matches...)
	}
	return templates
}

// generate renders one template and writes the artifact. Failures are
// audited as deliverable_failed and logged.
func (h *Hook) generate(ctx context.Context, item *workflow.WorkItem, phase *workflow.PhaseDefinition, templatePath string) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	raw, err := os.ReadFile(filepath.Join(h.templateDir, templatePath))
	if err != nil {
		h.appendFailure(ctx, item, phase.Ordinal, templatePath, fmt.Errorf("read template: %w", err))
		return
	}

	prompt := buildPrompt(item, phase, string(raw))
	content, err := h.gen.Generate(ctx, prompt)
	if err != nil {
		h.appendFailure(ctx, item, phase.Ordinal, templatePath, fmt.Errorf("generate content: %w", err))
		return
	}

	outPath := filepath.Join(h.outputDir, item.ID, fmt.Sprintf("phase-%d", phase.Ordinal), filepath.Base(templatePath))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		h.appendFailure(ctx, item, phase.Ordinal, templatePath, fmt.Errorf("create output dir: %w", err))
		return
	}
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		h.appendFailure(ctx, item, phase.Ordinal, templatePath, fmt.Errorf("write artifact: %w", err))
		return
	}

	h.logger.Info("Deliverable generated",
		"work_item", item.ID, "phase", phase.Ordinal, "template", templatePath, "path", outPath)
}

func (h *Hook) appendFailure(ctx context.Context, item *workflow.WorkItem, phaseOrdinal int, template string, cause error) {
	h.logger.Warn("Deliverable generation failed",
		"work_item", item.ID, "phase", phaseOrdinal, "template", template, "error", cause)

	err := h.auditLog.Append(ctx, &workflow.AuditEntry{
		WorkItemID: item.ID,
		Event:      workflow.EventDeliverableFailed,
		Payload: workflow.Snapshot(map[string]any{
			"phase":    phaseOrdinal,
			"template": template,
			"error":    cause.Error(),
		}),
		Actor: workflow.ActorSystem,
	})
	if err != nil {
		h.logger.Error("Failed to append deliverable audit entry",
			"work_item", item.ID, "error", err)
	}
}

func buildPrompt(item *workflow.WorkItem, phase *workflow.PhaseDefinition, template string) string {
	return fmt.Sprintf(
		"Produce the %q phase deliverable for the work item below by filling in the template.\n\n"+
			"Work item:\n%s\n\nTemplate:\n%s\n",
		phase.Name, item.Payload, template)
}
