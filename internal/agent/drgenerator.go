package agent

import (
	"context"

	"github.com/heuristiclab/uxaudit/internal/parse"
	"github.com/heuristiclab/uxaudit/internal/prompts"
)

const (
	drInstruction = "Analyze the screenshots and return ONLY the JSON in the schema specified by the system prompt. No extra text."

	drFeedbackTemplate = "User feedback: %s\n\nPlease update the JSON based on this feedback. Respond with JSON only."
)

// DRGenerator extracts a design representation JSON from screenshots.
type DRGenerator struct {
	*Session
}

// NewDRGenerator creates a DR generator session for one rubric module.
func NewDRGenerator(client Caller, loader *prompts.Loader, module, model string, attachmentCap int, opts ...Option) *DRGenerator {
	cfg := SessionConfig{
		Role:   "dr_generator",
		Module: module,
		Model:  model,
		SystemPrompt: func() (string, error) {
			return loader.Load(prompts.KindDRGenerator, module)
		},
		AttachmentCap:    attachmentCap,
		FeedbackTemplate: drFeedbackTemplate,
	}
	return &DRGenerator{Session: NewSession(client, cfg, opts...)}
}

// Generate runs the first turn over the uploaded screenshots.
func (g *DRGenerator) Generate(ctx context.Context, screenshots []string) (parse.Result, error) {
	return g.FirstTurn(ctx, screenshots, "", drInstruction)
}

// Refine submits user feedback against the current DR JSON.
func (g *DRGenerator) Refine(ctx context.Context, feedback string) parse.Result {
	return g.FeedbackTurn(ctx, feedback)
}
