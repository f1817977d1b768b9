// Package pipeline holds the per-user evaluation workflow: credential
// lifecycle, rubric-module and model selection, the step state machine, and
// the DR/evaluation/final-report session pair it gates.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/heuristiclab/uxaudit/internal/agent"
	"github.com/heuristiclab/uxaudit/internal/artifacts"
	"github.com/heuristiclab/uxaudit/internal/config"
	"github.com/heuristiclab/uxaudit/internal/domain"
	"github.com/heuristiclab/uxaudit/internal/index"
	"github.com/heuristiclab/uxaudit/internal/parse"
	"github.com/heuristiclab/uxaudit/internal/prompts"
	"github.com/heuristiclab/uxaudit/internal/tokens"
)

// Step is the workflow position governing which operation is legal.
type Step string

const (
	StepInitial   Step = "initial"
	StepGenerated Step = "generated"
	StepFeedback  Step = "feedback"
	StepConfirmed Step = "confirmed"
	StepEvaluated Step = "evaluated"
)

// ModelLock is the model-choice lock state: the model freezes once a
// generation run starts and unfreezes only on reset or module change.
type ModelLock string

const (
	ModelUnlocked ModelLock = "unlocked"
	ModelLocked   ModelLock = "locked"
)

var (
	ErrNoCredential      = errors.New("no API credential set")
	ErrCredentialExpired = errors.New("API credential expired: resupply the credential")
	ErrInvalidCredential = errors.New("invalid API credential: expected an sk- prefixed key")
	ErrUnknownModule     = errors.New("unknown rubric module")
	ErrModelNotAllowed   = errors.New("model not in the configured catalog")
	ErrModelLocked       = errors.New("model is locked for this session: reset or change module first")
	ErrNoScreenshots     = errors.New("no screenshots uploaded")
	ErrNoDR              = errors.New("no DR available: generate one or supply JSON")
	ErrNoEvaluation      = errors.New("no evaluation result to export")
	ErrNoDiscussion      = errors.New("no discussion to save")
)

// ErrStepNotAllowed reports an operation invoked in the wrong workflow step.
type ErrStepNotAllowed struct {
	Op   string
	Step Step
}

func (e *ErrStepNotAllowed) Error() string {
	return fmt.Sprintf("operation %q is not allowed in step %q", e.Op, e.Step)
}

// TurnResult pairs a structured turn outcome with whether it is the stale
// last-valid fallback rather than a fresh reply, so callers can tell "a
// previous good result is still being shown" apart from a fresh success.
type TurnResult struct {
	parse.Result
	Stale bool
}

// Client is the outbound API surface the pipeline needs from one credential:
// model calls plus file upload and index management. Satisfied by *llm.Client.
type Client interface {
	agent.Caller
	index.Builder
}

// ClientFactory builds a client from a user-supplied credential.
type ClientFactory func(apiKey string) Client

// Manager owns all mutable workflow state for one user session. Operations
// are serialized by an internal mutex; within one session a turn must finish
// before the next starts.
type Manager struct {
	mu sync.Mutex

	cfg      *config.Config
	loader   *prompts.Loader
	store    *artifacts.Store
	recorder agent.Recorder
	counter  *tokens.Counter
	factory  ClientFactory
	logger   *slog.Logger
	now      func() time.Time

	client       Client
	credentialAt time.Time

	module    string
	model     string
	modelLock ModelLock
	step      Step

	screenshots []string

	guidelineCache  *index.Cache
	guidelineHandle string

	drAgent     *agent.DRGenerator
	evalAgent   *agent.Evaluator
	confirmedDR map[string]any
	drFeedback  string

	evalResult   *parse.Result
	evalFeedback string

	reportCache   *index.Cache
	report        *agent.FinalReport
	exportedFiles []string
}

// New creates a manager with no credential set.
func New(cfg *config.Config, loader *prompts.Loader, store *artifacts.Store, recorder agent.Recorder, counter *tokens.Counter, factory ClientFactory) *Manager {
	return &Manager{
		cfg:       cfg,
		loader:    loader,
		store:     store,
		recorder:  recorder,
		counter:   counter,
		factory:   factory,
		logger:    slog.Default(),
		now:       time.Now,
		module:    prompts.Modules()[0],
		model:     cfg.OpenAI.Model,
		modelLock: ModelUnlocked,
		step:      StepInitial,
	}
}

// SetCredential validates and stores the caller's API key. Changing the
// credential discards every derived session so no state crosses credential
// boundaries.
func (m *Manager) SetCredential(apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	apiKey = strings.TrimSpace(apiKey)
	if !strings.HasPrefix(apiKey, "sk-") {
		return ErrInvalidCredential
	}

	m.discardSessionsLocked()
	m.client = m.factory(apiKey)
	m.credentialAt = m.now()

	settle := time.Duration(m.cfg.Pipeline.IndexSettleSeconds) * time.Second
	m.guidelineCache = index.New(m.client, m.cfg.Paths.IndexCacheFile, "ux-guideline-index", settle)
	m.reportCache = index.New(m.client, m.cfg.Paths.ReportCacheFile, "ux-final-report-index", settle)

	m.logger.Info("credential set",
		slog.Time("expires_at", m.credentialAt.Add(m.credentialTTL())),
	)
	return nil
}

func (m *Manager) credentialTTL() time.Duration {
	return time.Duration(m.cfg.Pipeline.CredentialTTLMinutes) * time.Minute
}

// ensureLiveLocked checks the credential is present and unexpired. On expiry
// the credential and every derived session are discarded.
func (m *Manager) ensureLiveLocked() error {
	if m.client == nil {
		return ErrNoCredential
	}
	if m.now().Sub(m.credentialAt) > m.credentialTTL() {
		m.logger.Warn("credential expired, discarding sessions")
		m.client = nil
		m.guidelineCache = nil
		m.reportCache = nil
		m.discardSessionsLocked()
		return ErrCredentialExpired
	}
	return nil
}

// discardSessionsLocked drops the agent pair, their cached results, the
// final-report state, and returns the workflow to initial.
func (m *Manager) discardSessionsLocked() {
	if m.drAgent != nil {
		m.drAgent.ClearCache()
	}
	if m.evalAgent != nil {
		m.evalAgent.ClearCache()
	}
	if m.report != nil {
		m.report.ClearAll()
	}
	m.drAgent = nil
	m.evalAgent = nil
	m.report = nil
	m.confirmedDR = nil
	m.drFeedback = ""
	m.evalResult = nil
	m.evalFeedback = ""
	m.guidelineHandle = ""
	m.screenshots = nil
	m.step = StepInitial
	m.modelLock = ModelUnlocked
}

// SelectModule switches the rubric module. A change discards the current
// session pair and returns to the initial step; reselecting the current
// module is a no-op.
func (m *Manager) SelectModule(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !prompts.KnownModule(name) {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	if name == m.module {
		return nil
	}

	handle := m.guidelineHandle
	m.discardSessionsLocked()
	m.guidelineHandle = handle
	m.module = name
	m.logger.Info("module selected", slog.String("module", name))
	return nil
}

// SelectModel switches the model. Rejected while the model is locked, except
// for reselecting the locked model itself.
func (m *Manager) SelectModel(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.AllowsModel(name) {
		return fmt.Errorf("%w: %q", ErrModelNotAllowed, name)
	}
	if m.modelLock == ModelLocked && name != m.model {
		return ErrModelLocked
	}
	m.model = name
	return nil
}

// GenerateDR runs the first DR-generation turn over the given screenshot data
// URLs. Legal only in the initial step. Starting a run locks the model choice
// for the rest of the session.
func (m *Manager) GenerateDR(ctx context.Context, screenshots []string) (TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return TurnResult{}, err
	}
	if m.step != StepInitial {
		return TurnResult{}, &ErrStepNotAllowed{Op: "generate_dr", Step: m.step}
	}
	if len(screenshots) == 0 {
		return TurnResult{}, ErrNoScreenshots
	}
	m.ensureGuidelineIndexLocked(ctx)

	if m.drAgent == nil {
		m.drAgent = agent.NewDRGenerator(m.client, m.loader, m.module, m.model,
			m.cfg.Pipeline.DRImageCap, m.sessionOptions()...)
	}

	res, err := m.drAgent.Generate(ctx, screenshots)
	if err != nil {
		// An attachment or transport error must not disturb whatever the
		// session already holds, including previously stored screenshots.
		return TurnResult{}, err
	}
	m.screenshots = screenshots

	m.modelLock = ModelLocked
	if res.OK() && !m.drAgent.LastTurnFellBack() {
		m.step = StepGenerated
		m.drFeedback = ""
	}
	return TurnResult{Result: res, Stale: m.drAgent.LastTurnFellBack()}, nil
}

// DRFeedback submits a revision request against the current DR. Legal after a
// generation (and loops).
func (m *Manager) DRFeedback(ctx context.Context, feedback string) (TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return TurnResult{}, err
	}
	if m.step != StepGenerated && m.step != StepFeedback {
		return TurnResult{}, &ErrStepNotAllowed{Op: "dr_feedback", Step: m.step}
	}

	res := m.drAgent.Refine(ctx, feedback)
	stale := m.drAgent.LastTurnFellBack()
	if res.OK() && !stale {
		m.step = StepFeedback
		m.drFeedback = feedback
	}
	return TurnResult{Result: res, Stale: stale}, nil
}

// ConfirmDR freezes the DR as the evaluator's input. When drJSON is empty the
// generator's cached result is used and persisted as an artifact; a non-empty
// drJSON is treated as hand-edited input, validated but not persisted.
func (m *Manager) ConfirmDR(ctx context.Context, drJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return err
	}
	if m.step != StepGenerated && m.step != StepFeedback {
		return &ErrStepNotAllowed{Op: "confirm_dr", Step: m.step}
	}

	var frozen map[string]any
	if drJSON = strings.TrimSpace(drJSON); drJSON != "" {
		if err := json.Unmarshal([]byte(drJSON), &frozen); err != nil {
			return fmt.Errorf("invalid DR JSON: %w", err)
		}
	} else {
		res, ok := m.drAgent.LastValid()
		if !ok {
			return ErrNoDR
		}
		frozen = res.Fields
		isFeedback := m.drFeedback != ""
		if _, err := m.store.SaveResult(domain.ArtifactDRGeneration, m.module, frozen, isFeedback, m.drFeedback); err != nil {
			return err
		}
	}

	m.confirmedDR = frozen
	m.step = StepConfirmed
	m.logger.Info("DR confirmed", slog.String("module", m.module))
	return nil
}

// Evaluate runs the evaluator's first turn over the confirmed DR and the
// session's screenshots. Legal only once the DR is confirmed.
func (m *Manager) Evaluate(ctx context.Context) (TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return TurnResult{}, err
	}
	if m.step != StepConfirmed {
		return TurnResult{}, &ErrStepNotAllowed{Op: "evaluate", Step: m.step}
	}
	if len(m.screenshots) == 0 {
		return TurnResult{}, ErrNoScreenshots
	}

	if m.evalAgent == nil {
		m.evalAgent = agent.NewEvaluator(m.client, m.loader, m.module, m.model,
			m.cfg.Pipeline.EvalImageCap, m.sessionOptions()...)
	}

	res, err := m.evalAgent.Evaluate(ctx, m.screenshots, m.confirmedDR)
	if err != nil {
		return TurnResult{}, err
	}
	stale := m.evalAgent.LastTurnFellBack()
	if res.OK() && !stale {
		m.step = StepEvaluated
		m.evalResult = &res
		m.evalFeedback = ""
	}
	return TurnResult{Result: res, Stale: stale}, nil
}

// EvalFeedback submits a revision request against the current evaluation.
func (m *Manager) EvalFeedback(ctx context.Context, feedback string) (TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return TurnResult{}, err
	}
	if m.step != StepEvaluated {
		return TurnResult{}, &ErrStepNotAllowed{Op: "evaluation_feedback", Step: m.step}
	}

	res := m.evalAgent.Refine(ctx, feedback)
	stale := m.evalAgent.LastTurnFellBack()
	if res.OK() && !stale {
		m.evalResult = &res
		m.evalFeedback = feedback
	}
	return TurnResult{Result: res, Stale: stale}, nil
}

// Export persists the current evaluation as an artifact file and returns its
// path. Exported files feed the final-report index.
func (m *Manager) Export() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.step != StepEvaluated {
		return "", &ErrStepNotAllowed{Op: "export", Step: m.step}
	}
	if m.evalResult == nil {
		return "", ErrNoEvaluation
	}

	isFeedback := m.evalFeedback != ""
	path, err := m.store.SaveResult(domain.ArtifactEvaluation, m.module, m.evalResult.Payload(), isFeedback, m.evalFeedback)
	if err != nil {
		return "", err
	}
	m.exportedFiles = append(m.exportedFiles, path)
	return path, nil
}

// StartFinalReport builds (or reuses) the final-report index over the exported
// evaluation artifacts. Falls back to every artifact on disk when nothing was
// exported this session.
func (m *Manager) StartFinalReport(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return err
	}

	files := m.exportedFiles
	if len(files) == 0 {
		listed, err := m.store.ListEvaluationFiles()
		if err != nil {
			return err
		}
		files = listed
	}
	if len(files) == 0 {
		return ErrNoEvaluation
	}

	if m.report == nil {
		m.report = agent.NewFinalReport(m.client, m.reportCache, m.model)
	}
	return m.report.InitializeWithFiles(ctx, files)
}

// FinalChat sends one free-form message to the final-report agent and returns
// the reply verbatim.
func (m *Manager) FinalChat(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return "", err
	}
	if m.report == nil {
		return "", agent.ErrNotInitialized
	}
	return m.report.Chat(ctx, message)
}

// ExportReport generates a structured cross-module report over the indexed
// evaluation files and writes it as a final_report artifact. Returns the
// report and its file path.
func (m *Manager) ExportReport(ctx context.Context) (map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLiveLocked(); err != nil {
		return nil, "", err
	}
	if m.report == nil {
		return nil, "", agent.ErrNotInitialized
	}

	report, err := m.report.GenerateReport(ctx)
	if err != nil {
		return nil, "", err
	}
	path, err := m.store.SaveReport(report)
	if err != nil {
		return nil, "", err
	}
	return report, path, nil
}

// SaveDiscussion exports the final-report conversation as a transcript file.
func (m *Manager) SaveDiscussion() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.report == nil || len(m.report.History()) == 0 {
		return "", ErrNoDiscussion
	}
	tr := artifacts.BuildTranscript(m.report.History(), m.report.Files())
	return m.store.SaveDiscussion(tr)
}

// ResetFinalChat clears the final-report conversation but keeps its index.
func (m *Manager) ResetFinalChat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.report != nil {
		m.report.ResetConversation()
	}
}

// Reset discards the session pair and all cached results, returning to the
// initial step. The credential and module/model selections are kept; the
// model unlocks.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := m.guidelineHandle
	m.discardSessionsLocked()
	m.guidelineHandle = handle
	m.logger.Info("session reset", slog.String("module", m.module))
}

// Status is a point-in-time snapshot of the workflow state.
type Status struct {
	Step            Step      `json:"step"`
	Module          string    `json:"module"`
	Model           string    `json:"model"`
	ModelLock       ModelLock `json:"model_lock"`
	CredentialSet   bool      `json:"credential_set"`
	ScreenshotCount int       `json:"screenshot_count"`
	HasDR           bool      `json:"has_dr"`
	DRConfirmed     bool      `json:"dr_confirmed"`
	HasEvaluation   bool      `json:"has_evaluation"`
	GuidelineIndex  string    `json:"guideline_index,omitempty"`
	ReportReady     bool      `json:"report_ready"`
	ExportedFiles   []string  `json:"exported_files,omitempty"`
}

// CacheStatus reports what is currently cached and where the workflow stands.
func (m *Manager) CacheStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Step:            m.step,
		Module:          m.module,
		Model:           m.model,
		ModelLock:       m.modelLock,
		CredentialSet:   m.client != nil,
		ScreenshotCount: len(m.screenshots),
		DRConfirmed:     m.confirmedDR != nil,
		HasEvaluation:   m.evalResult != nil,
		GuidelineIndex:  m.guidelineHandle,
		ExportedFiles:   append([]string(nil), m.exportedFiles...),
	}
	if m.drAgent != nil {
		_, st.HasDR = m.drAgent.LastValid()
	}
	if m.report != nil {
		st.ReportReady = m.report.Initialized()
	}
	return st
}

// ensureGuidelineIndexLocked builds the shared guideline index once per
// credential. Failures are non-fatal: generation proceeds without retrieval
// augmentation.
func (m *Manager) ensureGuidelineIndexLocked(ctx context.Context) {
	if m.guidelineHandle != "" || m.guidelineCache == nil {
		return
	}
	handle, err := m.guidelineCache.GetOrBuild(ctx, m.loader.ReferencePaths())
	if err != nil {
		m.logger.Warn("guideline index unavailable, continuing without retrieval",
			slog.String("error", err.Error()),
		)
		return
	}
	m.guidelineHandle = handle
}

func (m *Manager) sessionOptions() []agent.Option {
	opts := []agent.Option{
		agent.WithLogger(m.logger),
	}
	if m.recorder != nil {
		opts = append(opts, agent.WithRecorder(m.recorder))
	}
	if m.counter != nil {
		opts = append(opts, agent.WithTokenBudget(m.counter, m.cfg.Pipeline.TokenBudget))
	}
	if m.guidelineHandle != "" {
		opts = append(opts, agent.WithIndexHandles(m.guidelineHandle))
	}
	return opts
}
