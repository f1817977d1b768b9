// Package agent implements the multi-turn conversation protocol shared by the
// DR generator, evaluator, and final report roles: turn construction, the
// structured-output recovery policy, and the last-valid-result fallback.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/heuristiclab/uxaudit/internal/attachments"
	"github.com/heuristiclab/uxaudit/internal/domain"
	"github.com/heuristiclab/uxaudit/internal/parse"
	"github.com/heuristiclab/uxaudit/internal/tokens"
)

// ErrNoValidAttachments is returned when a first turn has no well-formed
// image references left after filtering.
var ErrNoValidAttachments = errors.New("no valid image attachments (expected data:image/... URLs)")

// Caller is the outbound model call surface, satisfied by *llm.Client.
type Caller interface {
	Submit(ctx context.Context, req *domain.SubmitRequest) (*domain.SubmitResponse, error)
}

// Recorder receives best-effort audit records for completed turns.
type Recorder interface {
	RecordTurn(ctx context.Context, rec *domain.TurnRecord) error
}

// SessionConfig carries the fixed identity of a session.
type SessionConfig struct {
	Role   string // role identifier, e.g. "dr_generator"
	Module string // rubric module name; doubles as the parse fallback label
	Model  string

	// SystemPrompt is re-evaluated on every call; the system turn is never
	// part of stored history.
	SystemPrompt func() (string, error)

	// AttachmentCap bounds images per first turn.
	AttachmentCap int

	// FeedbackTemplate frames a feedback turn; must contain one %s verb.
	FeedbackTemplate string
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithRecorder attaches a turn audit recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithTokenBudget enables a budget warning when the conversation grows past
// the given token count.
func WithTokenBudget(counter *tokens.Counter, budget int) Option {
	return func(s *Session) {
		s.counter = counter
		s.budget = budget
	}
}

// WithIndexHandles scopes retrieval augmentation to the given index handles.
func WithIndexHandles(handles ...string) Option {
	return func(s *Session) { s.indexHandles = handles }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session owns one agent conversation: its turn history and the last valid
// structured result. Not safe for concurrent use; a turn must complete before
// the next starts.
type Session struct {
	id  string
	cfg SessionConfig

	client       Caller
	indexHandles []string
	recorder     Recorder
	counter      *tokens.Counter
	budget       int
	logger       *slog.Logger

	history   []domain.ConversationTurn
	lastValid *parse.Result
	fellBack  bool
}

// NewSession creates a session for one role and rubric module.
func NewSession(client Caller, cfg SessionConfig, opts ...Option) *Session {
	s := &Session{
		id:     "sess_" + uuid.New().String(),
		cfg:    cfg,
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Module returns the rubric module this session serves.
func (s *Session) Module() string { return s.cfg.Module }

// FirstTurn submits the opening user turn: an optional leading text part,
// the screenshot attachments, and an optional trailing instruction part.
// Malformed attachments are silently filtered before the cap is applied;
// excess attachments are dropped with a warning. Zero valid attachments is
// an immediate error and leaves all session state untouched.
func (s *Session) FirstTurn(ctx context.Context, refs []string, leading, trailing string) (parse.Result, error) {
	valid := attachments.Filter(refs)
	if len(valid) == 0 {
		return parse.Result{}, ErrNoValidAttachments
	}
	kept, dropped := attachments.Cap(valid, s.cfg.AttachmentCap)
	if dropped > 0 {
		s.logger.Warn("dropping excess attachments",
			slog.String("module", s.cfg.Module),
			slog.Int("cap", s.cfg.AttachmentCap),
			slog.Int("dropped", dropped),
		)
	}

	parts := make([]domain.ContentPart, 0, len(kept)+2)
	if leading != "" {
		parts = append(parts, domain.TextPart(leading))
	}
	for _, ref := range kept {
		parts = append(parts, domain.ImagePart(ref))
	}
	if trailing != "" {
		parts = append(parts, domain.TextPart(trailing))
	}

	return s.run(ctx, domain.UserTurn(parts...), "first_turn"), nil
}

// FeedbackTurn submits user feedback as a text-only revision request against
// the previous structured output.
func (s *Session) FeedbackTurn(ctx context.Context, feedback string) parse.Result {
	text := fmt.Sprintf(s.cfg.FeedbackTemplate, feedback)
	return s.run(ctx, domain.UserTurn(domain.TextPart(text)), "feedback_turn")
}

// run executes one turn: regenerate the system turn, submit the conversation,
// store the reply, parse it, and apply the stale-but-valid fallback policy.
func (s *Session) run(ctx context.Context, userTurn domain.ConversationTurn, phase string) parse.Result {
	s.fellBack = false

	prompt, err := s.cfg.SystemPrompt()
	if err != nil {
		s.logger.Error("failed to load system prompt",
			slog.String("module", s.cfg.Module),
			slog.String("error", err.Error()),
		)
		return s.callFailure(ctx, phase, err)
	}

	input := make([]domain.ConversationTurn, 0, len(s.history)+2)
	input = append(input, domain.SystemTurn(prompt))
	input = append(input, s.history...)
	input = append(input, userTurn)

	promptTokens := s.countTokens(input)

	req := &domain.SubmitRequest{Model: s.cfg.Model, Input: input}
	if len(s.indexHandles) > 0 {
		req.Tools = []domain.Tool{domain.FileSearchTool(s.indexHandles...)}
	}

	resp, err := s.client.Submit(ctx, req)
	if err != nil {
		// No reply was received, so the attempted turn is not appended:
		// history only ever contains turns the model has actually seen.
		s.logger.Error("outbound call failed",
			slog.String("module", s.cfg.Module),
			slog.String("phase", phase),
			slog.String("error", err.Error()),
		)
		return s.callFailure(ctx, phase, err)
	}

	raw := resp.OutputText()
	s.history = append(s.history, userTurn, domain.AssistantTurn(raw))

	result := parse.Parse(raw, s.cfg.Module)
	s.record(ctx, phase, statusOf(result), promptTokens)

	if result.OK() {
		s.lastValid = &result
		return result
	}

	// The failed turn stays in history on purpose: the model sees its own
	// bad output, so the next feedback turn can implicitly correct it.
	s.logger.Warn("structured parse failed",
		slog.String("module", s.cfg.Module),
		slog.String("tag", string(result.Tag)),
		slog.Int("reply_chars", len(raw)),
	)
	if s.lastValid != nil {
		s.logger.Info("returning previous valid result", slog.String("module", s.cfg.Module))
		s.fellBack = true
		return *s.lastValid
	}
	return result
}

// callFailure applies the fallback policy for turns that failed before any
// reply was stored.
func (s *Session) callFailure(ctx context.Context, phase string, err error) parse.Result {
	s.record(ctx, phase, "error", 0)
	if s.lastValid != nil {
		s.fellBack = true
		return *s.lastValid
	}
	return parse.CallFailure(s.cfg.Module, err.Error())
}

// ResetConversation clears history only; the last valid result is kept.
// Idempotent.
func (s *Session) ResetConversation() {
	s.history = nil
	s.logger.Info("conversation reset", slog.String("module", s.cfg.Module))
}

// ClearCache discards the last valid result and resets the conversation.
// Idempotent.
func (s *Session) ClearCache() {
	s.lastValid = nil
	s.ResetConversation()
}

// LastTurnFellBack reports whether the most recent turn returned the stale
// last-valid result in place of a failed fresh one.
func (s *Session) LastTurnFellBack() bool {
	return s.fellBack
}

// LastValid returns the cached structured result, if any.
func (s *Session) LastValid() (parse.Result, bool) {
	if s.lastValid == nil {
		return parse.Result{}, false
	}
	return *s.lastValid, true
}

// History returns a copy of the stored turn history.
func (s *Session) History() []domain.ConversationTurn {
	return append([]domain.ConversationTurn(nil), s.history...)
}

func (s *Session) countTokens(input []domain.ConversationTurn) int {
	if s.counter == nil {
		return 0
	}
	n, err := s.counter.CountConversation(s.cfg.Model, input)
	if err != nil {
		return 0
	}
	if s.budget > 0 && n > s.budget {
		s.logger.Warn("conversation exceeds token budget",
			slog.String("module", s.cfg.Module),
			slog.Int("tokens", n),
			slog.Int("budget", s.budget),
		)
	}
	return n
}

func (s *Session) record(ctx context.Context, phase, status string, promptTokens int) {
	if s.recorder == nil {
		return
	}
	rec := &domain.TurnRecord{
		ID:           "turn_" + uuid.New().String(),
		SessionID:    s.id,
		Role:         s.cfg.Role,
		Module:       s.cfg.Module,
		Phase:        phase,
		Model:        s.cfg.Model,
		Status:       status,
		PromptTokens: promptTokens,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.recorder.RecordTurn(ctx, rec); err != nil {
		s.logger.Warn("failed to record turn", slog.String("error", err.Error()))
	}
}

func statusOf(r parse.Result) string {
	if r.OK() {
		return "ok"
	}
	return string(r.Tag)
}
