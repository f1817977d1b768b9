package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/heuristiclab/uxaudit/internal/domain"
	"github.com/heuristiclab/uxaudit/internal/index"
	"github.com/heuristiclab/uxaudit/internal/parse"
)

// ErrNotInitialized is returned when the final report chat is used before its
// evaluation index has been built.
var ErrNotInitialized = errors.New("final report agent not initialized: load the evaluation files first")

// ErrEmptyMessage is returned for blank chat input.
var ErrEmptyMessage = errors.New("empty chat message")

const reportSystemPrompt = `You are an expert analyst of UX/UI evaluation results.
Use the file_search tool over the attached evaluation files and ground every answer in the actual recorded findings rather than speculation or generalities.
Quote concrete evaluation results, and when suggesting improvements give priorities and actionable steps.
Explain in professional but accessible language.`

// FinalReport is the cross-module discussion agent: free-form chat over an
// index built from persisted evaluation artifacts. Unlike the structured
// roles it returns reply text verbatim.
type FinalReport struct {
	client Caller
	cache  *index.Cache
	model  string
	logger *slog.Logger

	history     []domain.ConversationTurn
	indexHandle string
	files       []string
	initialized bool
}

// NewFinalReport creates the final report agent. cache persists the
// evaluation-file index across restarts.
func NewFinalReport(client Caller, cache *index.Cache, model string) *FinalReport {
	return &FinalReport{
		client: client,
		cache:  cache,
		model:  model,
		logger: slog.Default(),
	}
}

// InitializeWithFiles builds (or reuses) the retrieval index over the given
// evaluation artifact files. Idempotent per matching file set: the same set
// reuses the persisted index handle, across process restarts too.
func (f *FinalReport) InitializeWithFiles(ctx context.Context, paths []string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else {
			f.logger.Warn("skipping missing evaluation file", slog.String("path", p))
		}
	}
	if len(existing) == 0 {
		return fmt.Errorf("no readable evaluation files")
	}

	handle, err := f.cache.GetOrBuild(ctx, existing)
	if err != nil {
		return fmt.Errorf("failed to prepare evaluation index: %w", err)
	}

	f.indexHandle = handle
	f.files = existing
	f.initialized = true
	f.logger.Info("final report agent ready",
		slog.String("index_handle", handle),
		slog.Int("files", len(existing)),
	)
	return nil
}

// Chat sends one free-form user message and returns the reply text verbatim.
// Refuses with ErrNotInitialized before InitializeWithFiles has succeeded.
func (f *FinalReport) Chat(ctx context.Context, message string) (string, error) {
	if !f.initialized {
		return "", ErrNotInitialized
	}
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	userTurn := domain.UserTurn(domain.TextPart(message))

	input := make([]domain.ConversationTurn, 0, len(f.history)+2)
	input = append(input, domain.SystemTurn(reportSystemPrompt))
	input = append(input, f.history...)
	input = append(input, userTurn)

	resp, err := f.client.Submit(ctx, &domain.SubmitRequest{
		Model: f.model,
		Input: input,
		Tools: []domain.Tool{domain.FileSearchTool(f.indexHandle)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}

	reply := resp.OutputText()
	f.history = append(f.history, userTurn, domain.AssistantTurn(reply))
	return reply, nil
}

const reportRequestPrompt = `Synthesize all evaluation results into a final report in exactly this JSON format:

{
  "summary": "overall summary",
  "critical_issues": ["severe problems"],
  "recommendations": ["improvement suggestions"],
  "priority_matrix": "execution plan by priority"
}

Respond with JSON only.`

// GenerateReport asks for a structured cross-module report over the indexed
// evaluation files. A reply that cannot be recovered as JSON is returned
// whole under "raw_response" instead of being dropped.
func (f *FinalReport) GenerateReport(ctx context.Context) (map[string]any, error) {
	reply, err := f.Chat(ctx, reportRequestPrompt)
	if err != nil {
		return nil, err
	}

	res := parse.Parse(reply, "final report")
	if !res.OK() {
		return map[string]any{"raw_response": reply}, nil
	}
	return res.Fields, nil
}

// ResetConversation clears chat history; the evaluation index is kept.
func (f *FinalReport) ResetConversation() {
	f.history = nil
}

// ClearAll discards history, index handle, and file set.
func (f *FinalReport) ClearAll() {
	f.history = nil
	f.indexHandle = ""
	f.files = nil
	f.initialized = false
}

// Initialized reports whether the evaluation index is ready.
func (f *FinalReport) Initialized() bool { return f.initialized }

// Files returns the evaluation files behind the current index.
func (f *FinalReport) Files() []string {
	return append([]string(nil), f.files...)
}

// History returns a copy of the chat history.
func (f *FinalReport) History() []domain.ConversationTurn {
	return append([]domain.ConversationTurn(nil), f.history...)
}
