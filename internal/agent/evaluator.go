package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heuristiclab/uxaudit/internal/parse"
	"github.com/heuristiclab/uxaudit/internal/prompts"
)

const (
	evalLeadingTemplate = "JSON Data:\n%s\n\nPlease generate/return the evaluation strictly in JSON format only."

	evalFeedbackTemplate = "User feedback: %s\n\nPlease update the evaluation JSON strictly in the same JSON schema only, with no additional explanations."
)

// Evaluator critiques a design against a rubric, consuming the confirmed DR
// JSON alongside the screenshots.
type Evaluator struct {
	*Session
}

// NewEvaluator creates an evaluator session for one rubric module.
func NewEvaluator(client Caller, loader *prompts.Loader, module, model string, attachmentCap int, opts ...Option) *Evaluator {
	cfg := SessionConfig{
		Role:   "evaluator",
		Module: module,
		Model:  model,
		SystemPrompt: func() (string, error) {
			return loader.Load(prompts.KindEvaluator, module)
		},
		AttachmentCap:    attachmentCap,
		FeedbackTemplate: evalFeedbackTemplate,
	}
	return &Evaluator{Session: NewSession(client, cfg, opts...)}
}

// Evaluate runs the first turn: the DR JSON serialized compactly as a leading
// text part, followed by the screenshots.
func (e *Evaluator) Evaluate(ctx context.Context, screenshots []string, dr map[string]any) (parse.Result, error) {
	drJSON, err := json.Marshal(dr)
	if err != nil {
		return parse.Result{}, fmt.Errorf("failed to serialize DR JSON: %w", err)
	}
	leading := fmt.Sprintf(evalLeadingTemplate, drJSON)
	return e.FirstTurn(ctx, screenshots, leading, "")
}

// Refine submits user feedback against the current evaluation JSON.
func (e *Evaluator) Refine(ctx context.Context, feedback string) parse.Result {
	return e.FeedbackTurn(ctx, feedback)
}
