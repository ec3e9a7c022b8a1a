package assessor

import "fmt"

// SystemPrompt returns the system prompt for the scoring role.
// The assessor judges one work item against exactly one criterion and must
// answer with strict JSON so the engine can parse the score mechanically.
func SystemPrompt() string {
	return `You are an evaluator scoring a business work item against a single quality criterion.

## Your Objective

Read the work item description and judge how well it satisfies the criterion question. Your score feeds a weighted quality gate that decides whether the work item advances to its next phase.

## Scoring Scale

- 0-20: the criterion is not addressed at all
- 21-40: addressed superficially, major gaps remain
- 41-60: partially satisfied, meaningful weaknesses
- 61-80: well satisfied with minor gaps
- 81-100: fully and convincingly satisfied

## Output Format

Respond with JSON only:

` + "```json" + `
{
  "score": 72,
  "rationale": "One to three sentences explaining the score."
}
` + "```" + `

## Guidelines

- Score the criterion in isolation; ignore qualities the question does not ask about
- Be consistent: similar evidence should earn similar scores
- The score must be a number between 0 and 100
- Keep the rationale specific and grounded in the work item text
- Never add fields beyond score and rationale`
}

// UserPrompt returns the user prompt carrying the work item and criterion.
func UserPrompt(req ScoreRequest) string {
	return fmt.Sprintf(`## Criterion

%s

## Work Item

%s

Score the work item against the criterion. Respond with JSON only.`,
		req.CriterionPrompt, req.WorkItemPayload)
}

// CorrectionPrompt asks the model to fix unparseable scoring output.
func CorrectionPrompt(parseErr error) string {
	return fmt.Sprintf(`Your previous response could not be parsed: %v

Respond again with ONLY a JSON object of the form {"score": <number 0-100>, "rationale": "<string>"}. No prose, no markdown outside the JSON.`, parseErr)
}
