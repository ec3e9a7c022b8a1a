package deliverable

import (
	"context"

	"github.com/flywheelhq/gateflow/assessor"
)

// NewClientGenerator adapts the assessor completion client into a content
// generator.
func NewClientGenerator(c *assessor.Client) Generator {
	return GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		completion, err := c.Complete(ctx, []assessor.Message{
			{Role: "user", Content: prompt},
		})
		if err != nil {
			return "", err
		}
		return completion.Content, nil
	})
}
