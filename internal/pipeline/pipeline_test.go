package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heuristiclab/uxaudit/internal/agent"
	"github.com/heuristiclab/uxaudit/internal/artifacts"
	"github.com/heuristiclab/uxaudit/internal/config"
	"github.com/heuristiclab/uxaudit/internal/domain"
	"github.com/heuristiclab/uxaudit/internal/prompts"
)

// fakeClient satisfies both the model-call and index-build surfaces. Replies
// are served in order; when exhausted the last one repeats.
type fakeClient struct {
	replies  []string
	err      error
	calls    int
	uploads  int
	requests []*domain.SubmitRequest
}

func (f *fakeClient) Submit(_ context.Context, req *domain.SubmitRequest) (*domain.SubmitResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	f.calls++
	return &domain.SubmitResponse{
		ID:     fmt.Sprintf("resp_%d", f.calls),
		Status: "completed",
		Output: []domain.OutputItem{{
			Type:    "message",
			Content: []domain.ContentPart{domain.OutputTextPart(f.replies[i])},
		}},
	}, nil
}

func (f *fakeClient) UploadFile(_ context.Context, filename string, _ io.Reader) (*domain.UploadResponse, error) {
	f.uploads++
	return &domain.UploadResponse{ID: fmt.Sprintf("file_%d", f.uploads), Filename: filename}, nil
}

func (f *fakeClient) CreateVectorStore(_ context.Context, name string) (*domain.VectorStoreResponse, error) {
	return &domain.VectorStoreResponse{ID: "vs_" + name, Name: name}, nil
}

func (f *fakeClient) AttachFile(_ context.Context, _, _ string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	promptsDir := filepath.Join(dir, "prompts")
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	refsDir := filepath.Join(dir, "references")
	if err := os.MkdirAll(refsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, m := range prompts.Modules() {
		for i, name := range []string{"DR", "E"} {
			path := filepath.Join(promptsDir, fmt.Sprintf("Agent%d_%s_prompt.md", moduleIndex(m), name))
			if err := os.WriteFile(path, []byte(fmt.Sprintf("prompt %s %d", m, i)), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	cfg, err := config.LoadFrom(filepath.Join(dir, "no-such-config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.OutputDir = filepath.Join(dir, "output")
	cfg.Paths.PromptsDir = promptsDir
	cfg.Paths.ReferencesDir = refsDir
	cfg.Paths.IndexCacheFile = filepath.Join(dir, ".vector_store_cache.json")
	cfg.Paths.ReportCacheFile = filepath.Join(dir, ".final_report_vector_cache.json")
	cfg.Pipeline.IndexSettleSeconds = 0
	return cfg
}

func moduleIndex(module string) int {
	for i, m := range prompts.Modules() {
		if m == module {
			return i + 1
		}
	}
	return 0
}

func newTestManager(t *testing.T, fc *fakeClient) *Manager {
	t.Helper()
	cfg := testConfig(t)
	loader := prompts.NewLoader(cfg.Paths.PromptsDir, cfg.Paths.ReferencesDir)
	store := artifacts.NewStore(cfg.Paths.OutputDir)
	m := New(cfg, loader, store, nil, nil, func(string) Client { return fc })
	return m
}

func screenshots(n int) []string {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("data:image/png;base64,abc%d", i)
	}
	return refs
}

func TestSetCredentialValidation(t *testing.T) {
	m := newTestManager(t, &fakeClient{})

	if err := m.SetCredential("not-a-key"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("SetCredential() error = %v, want ErrInvalidCredential", err)
	}
	if err := m.SetCredential("  sk-test-123 "); err != nil {
		t.Errorf("SetCredential() error = %v, want nil", err)
	}
	if !m.CacheStatus().CredentialSet {
		t.Error("CredentialSet = false after SetCredential")
	}
}

func TestOperationsRequireCredential(t *testing.T) {
	m := newTestManager(t, &fakeClient{replies: []string{`{"a":1}`}})

	if _, err := m.GenerateDR(context.Background(), screenshots(1)); !errors.Is(err, ErrNoCredential) {
		t.Errorf("GenerateDR() error = %v, want ErrNoCredential", err)
	}
}

func TestHappyPathThroughExport(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"elements": ["title", "nav"]}`,
		`{"score": 4, "findings": ["small font"]}`,
	}}
	m := newTestManager(t, fc)
	ctx := context.Background()

	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	res, err := m.GenerateDR(ctx, screenshots(2))
	if err != nil {
		t.Fatalf("GenerateDR() error = %v", err)
	}
	if !res.OK() {
		t.Fatalf("GenerateDR() result tag = %q, want success", res.Tag)
	}
	if got := m.CacheStatus().Step; got != StepGenerated {
		t.Errorf("step = %q, want %q", got, StepGenerated)
	}

	if err := m.ConfirmDR(ctx, ""); err != nil {
		t.Fatalf("ConfirmDR() error = %v", err)
	}
	if got := m.CacheStatus().Step; got != StepConfirmed {
		t.Errorf("step = %q, want %q", got, StepConfirmed)
	}

	eval, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Fields["score"] != float64(4) {
		t.Errorf("score = %v, want 4", eval.Fields["score"])
	}
	if got := m.CacheStatus().Step; got != StepEvaluated {
		t.Errorf("step = %q, want %q", got, StepEvaluated)
	}

	path, err := m.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("exported file missing: %v", err)
	}

	// The confirmed DR is also persisted, since it came from a generation run.
	st := m.CacheStatus()
	if !st.DRConfirmed || !st.HasEvaluation {
		t.Errorf("status = %+v, want DR confirmed and evaluation cached", st)
	}
}

func TestStepGates(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"a":1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	var stepErr *ErrStepNotAllowed
	if _, err := m.Evaluate(ctx); !errors.As(err, &stepErr) {
		t.Errorf("Evaluate() in initial error = %v, want ErrStepNotAllowed", err)
	}
	if _, err := m.DRFeedback(ctx, "fb"); !errors.As(err, &stepErr) {
		t.Errorf("DRFeedback() in initial error = %v, want ErrStepNotAllowed", err)
	}
	if _, err := m.Export(); !errors.As(err, &stepErr) {
		t.Errorf("Export() in initial error = %v, want ErrStepNotAllowed", err)
	}

	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	// A second generation on the same session is rejected; feedback is the
	// revision path.
	if _, err := m.GenerateDR(ctx, screenshots(1)); !errors.As(err, &stepErr) {
		t.Errorf("GenerateDR() in generated error = %v, want ErrStepNotAllowed", err)
	}
}

func TestModelLockLifecycle(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"a":1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	if err := m.SelectModel("gpt-5-mini"); err != nil {
		t.Fatalf("SelectModel() error = %v", err)
	}
	if err := m.SelectModel("not-a-model"); !errors.Is(err, ErrModelNotAllowed) {
		t.Errorf("SelectModel() error = %v, want ErrModelNotAllowed", err)
	}

	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	if got := m.CacheStatus().ModelLock; got != ModelLocked {
		t.Errorf("ModelLock = %q, want %q", got, ModelLocked)
	}
	if err := m.SelectModel("gpt-4o"); !errors.Is(err, ErrModelLocked) {
		t.Errorf("SelectModel() while locked error = %v, want ErrModelLocked", err)
	}
	// Reselecting the locked model is a no-op, not an error.
	if err := m.SelectModel("gpt-5-mini"); err != nil {
		t.Errorf("SelectModel(current) while locked error = %v", err)
	}

	m.Reset()
	if got := m.CacheStatus().ModelLock; got != ModelUnlocked {
		t.Errorf("ModelLock after reset = %q, want %q", got, ModelUnlocked)
	}
	if err := m.SelectModel("gpt-4o"); err != nil {
		t.Errorf("SelectModel() after reset error = %v", err)
	}
}

func TestModuleChangeDiscardsSessionPair(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"a":1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}

	if err := m.SelectModule("no such module"); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("SelectModule() error = %v, want ErrUnknownModule", err)
	}
	if err := m.SelectModule("Icon Representativeness"); err != nil {
		t.Fatalf("SelectModule() error = %v", err)
	}

	st := m.CacheStatus()
	if st.Step != StepInitial {
		t.Errorf("step = %q, want initial after module change", st.Step)
	}
	if st.HasDR {
		t.Error("HasDR = true, want DR discarded on module change")
	}
	if st.Module != "Icon Representativeness" {
		t.Errorf("module = %q", st.Module)
	}
}

func TestCredentialExpiryDiscardsSessions(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"a":1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	m.now = func() time.Time {
		return base.Add(time.Duration(m.cfg.Pipeline.CredentialTTLMinutes+1) * time.Minute)
	}

	if _, err := m.DRFeedback(ctx, "fb"); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("DRFeedback() error = %v, want ErrCredentialExpired", err)
	}

	st := m.CacheStatus()
	if st.CredentialSet {
		t.Error("CredentialSet = true after expiry")
	}
	if st.HasDR || st.Step != StepInitial {
		t.Errorf("status = %+v, want cached results discarded", st)
	}

	// Resupplying the credential brings the pipeline back.
	if err := m.SetCredential("sk-test-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); errors.Is(err, ErrCredentialExpired) {
		t.Errorf("GenerateDR() after resupply error = %v", err)
	}
}

func TestConfirmDRHandEditedJSON(t *testing.T) {
	fc := &fakeClient{replies: []string{`not json at all`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	// The generation came back text-only, so the workflow is still initial;
	// confirming is not yet legal.
	var stepErr *ErrStepNotAllowed
	if err := m.ConfirmDR(ctx, `{"edited": true}`); !errors.As(err, &stepErr) {
		t.Fatalf("ConfirmDR() error = %v, want ErrStepNotAllowed", err)
	}
}

func TestConfirmDRFromCachePersistsArtifact(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"elements": []}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmDR(ctx, ""); err != nil {
		t.Fatalf("ConfirmDR() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(m.cfg.Paths.OutputDir, "drgenerator"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("dr artifacts = %v, %v; want exactly one", entries, err)
	}

	// Hand-edited JSON overrides the cache and is not persisted again.
	m.Reset()
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmDR(ctx, `{"edited": true}`); err != nil {
		t.Fatalf("ConfirmDR(json) error = %v", err)
	}
	entries, _ = os.ReadDir(filepath.Join(m.cfg.Paths.OutputDir, "drgenerator"))
	if len(entries) != 1 {
		t.Errorf("dr artifacts = %d, want still one (hand-edited not saved)", len(entries))
	}
	if m.confirmedDR["edited"] != true {
		t.Errorf("confirmedDR = %v, want hand-edited input frozen", m.confirmedDR)
	}
}

func TestFinalReportFlow(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"elements": []}`,
		`{"score": 3}`,
		`The weakest area is icon clarity.`,
	}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	if err := m.StartFinalReport(ctx); !errors.Is(err, ErrNoEvaluation) {
		t.Fatalf("StartFinalReport() with no artifacts error = %v, want ErrNoEvaluation", err)
	}
	if _, err := m.FinalChat(ctx, "hello"); !errors.Is(err, agent.ErrNotInitialized) {
		t.Fatalf("FinalChat() before init error = %v, want ErrNotInitialized", err)
	}

	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmDR(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Evaluate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Export(); err != nil {
		t.Fatal(err)
	}

	if err := m.StartFinalReport(ctx); err != nil {
		t.Fatalf("StartFinalReport() error = %v", err)
	}
	if fc.uploads == 0 {
		t.Error("no files uploaded for the report index")
	}

	reply, err := m.FinalChat(ctx, "what is weakest?")
	if err != nil {
		t.Fatalf("FinalChat() error = %v", err)
	}
	if reply != "The weakest area is icon clarity." {
		t.Errorf("reply = %q", reply)
	}

	path, err := m.SaveDiscussion()
	if err != nil {
		t.Fatalf("SaveDiscussion() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("transcript missing: %v", err)
	}

	m.ResetFinalChat()
	if _, err := m.SaveDiscussion(); !errors.Is(err, ErrNoDiscussion) {
		t.Errorf("SaveDiscussion() after reset error = %v, want ErrNoDiscussion", err)
	}
}

func TestFeedbackFallbackReturnsStaleResult(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"v": 1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}

	fc.err = errors.New("upstream unavailable")

	res, err := m.DRFeedback(ctx, "rename field X to Y")
	if err != nil {
		t.Fatalf("DRFeedback() error = %v, want fallback not error", err)
	}
	if !res.OK() || !res.Stale {
		t.Errorf("result OK=%v Stale=%v, want stale last-valid result", res.OK(), res.Stale)
	}
	if res.Fields["v"] != float64(1) {
		t.Errorf("Fields = %v, want original DR unchanged", res.Fields)
	}
	if got := m.CacheStatus().Step; got != StepGenerated {
		t.Errorf("step = %q, want unchanged %q", got, StepGenerated)
	}
}

func TestExportReport(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"elements": []}`,
		`{"score": 3}`,
		`{"summary": "needs contrast work", "critical_issues": ["low contrast"]}`,
	}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.ExportReport(ctx); !errors.Is(err, agent.ErrNotInitialized) {
		t.Fatalf("ExportReport() before init error = %v, want ErrNotInitialized", err)
	}

	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmDR(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Evaluate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Export(); err != nil {
		t.Fatal(err)
	}
	if err := m.StartFinalReport(ctx); err != nil {
		t.Fatal(err)
	}

	report, path, err := m.ExportReport(ctx)
	if err != nil {
		t.Fatalf("ExportReport() error = %v", err)
	}
	if report["summary"] != "needs contrast work" {
		t.Errorf("report = %v, want structured fields", report)
	}
	if !strings.HasPrefix(filepath.Base(path), "final_report_") {
		t.Errorf("path = %q, want final_report_ file", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("report file missing: %v", err)
	}
}

func TestGenerateDRAttachmentErrorLeavesStateUntouched(t *testing.T) {
	m := newTestManager(t, &fakeClient{replies: []string{`{"v": 1}`}})
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}

	_, err := m.GenerateDR(ctx, []string{"not-a-data-url", "also-bad"})
	if !errors.Is(err, agent.ErrNoValidAttachments) {
		t.Fatalf("GenerateDR() error = %v, want ErrNoValidAttachments", err)
	}

	st := m.CacheStatus()
	if st.ScreenshotCount != 0 {
		t.Errorf("ScreenshotCount = %d, want 0 after rejected attachments", st.ScreenshotCount)
	}
	if st.Step != StepInitial {
		t.Errorf("step = %q, want unchanged %q", st.Step, StepInitial)
	}

	// The session is still usable with valid screenshots.
	if _, err := m.GenerateDR(ctx, screenshots(1)); err != nil {
		t.Fatalf("GenerateDR() after retry error = %v", err)
	}
	if got := m.CacheStatus().ScreenshotCount; got != 1 {
		t.Errorf("ScreenshotCount = %d, want 1", got)
	}
}

func TestResetKeepsCredentialAndSelections(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"a":1}`}}
	m := newTestManager(t, fc)
	ctx := context.Background()
	if err := m.SetCredential("sk-test"); err != nil {
		t.Fatal(err)
	}
	if err := m.SelectModule("User Task Suitability"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateDR(ctx, screenshots(3)); err != nil {
		t.Fatal(err)
	}

	m.Reset()

	st := m.CacheStatus()
	if !st.CredentialSet {
		t.Error("CredentialSet = false after reset, want credential kept")
	}
	if st.Module != "User Task Suitability" {
		t.Errorf("module = %q, want selection kept", st.Module)
	}
	if st.Step != StepInitial || st.ScreenshotCount != 0 || st.HasDR {
		t.Errorf("status = %+v, want session state cleared", st)
	}
}
