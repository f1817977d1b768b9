package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/heuristiclab/uxaudit/internal/artifacts"
	"github.com/heuristiclab/uxaudit/internal/attachments"
	"github.com/heuristiclab/uxaudit/internal/config"
	"github.com/heuristiclab/uxaudit/internal/domain"
	"github.com/heuristiclab/uxaudit/internal/pipeline"
	"github.com/heuristiclab/uxaudit/internal/prompts"
)

type fakeClient struct {
	replies []string
	calls   int
	uploads int
}

func (f *fakeClient) Submit(_ context.Context, _ *domain.SubmitRequest) (*domain.SubmitResponse, error) {
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

func newTestHandler(t *testing.T, fc *fakeClient) (*Handler, *chi.Mux) {
	t.Helper()
	dir := t.TempDir()

	promptsDir := filepath.Join(dir, "prompts")
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= len(prompts.Modules()); i++ {
		for _, kind := range []string{"DR", "E"} {
			path := filepath.Join(promptsDir, fmt.Sprintf("Agent%d_%s_prompt.md", i, kind))
			if err := os.WriteFile(path, []byte("system prompt"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	cfg, err := config.LoadFrom(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.OutputDir = filepath.Join(dir, "output")
	cfg.Paths.PromptsDir = promptsDir
	cfg.Paths.ReferencesDir = filepath.Join(dir, "references")
	cfg.Paths.IndexCacheFile = filepath.Join(dir, ".vector_store_cache.json")
	cfg.Paths.ReportCacheFile = filepath.Join(dir, ".final_report_vector_cache.json")
	cfg.Pipeline.IndexSettleSeconds = 0

	loader := prompts.NewLoader(cfg.Paths.PromptsDir, cfg.Paths.ReferencesDir)
	store := artifacts.NewStore(cfg.Paths.OutputDir)
	manager := pipeline.New(cfg, loader, store, nil, nil, func(string) pipeline.Client { return fc })

	encoder, err := attachments.NewEncoder(32)
	if err != nil {
		t.Fatal(err)
	}

	h := NewHandler(manager, cfg, encoder)
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
	}
	return m
}

func TestStatusAndCatalogs(t *testing.T) {
	_, r := newTestHandler(t, &fakeClient{replies: []string{`{}`}})

	rec := doJSON(t, r, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["step"] != "initial" {
		t.Errorf("step = %v, want initial", body["step"])
	}

	rec = doJSON(t, r, http.MethodGet, "/api/modules", nil)
	body = decodeBody(t, rec)
	if n := len(body["modules"].([]any)); n != 4 {
		t.Errorf("modules = %d, want 4", n)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/models", nil)
	body = decodeBody(t, rec)
	if body["default"] != "gpt-4o" {
		t.Errorf("default model = %v", body["default"])
	}
}

func TestCredentialEndpoint(t *testing.T) {
	_, r := newTestHandler(t, &fakeClient{replies: []string{`{}`}})

	rec := doJSON(t, r, http.MethodPost, "/api/credential", map[string]string{"api_key": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid key status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/credential", map[string]string{"api_key": "sk-test"})
	if rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rec.Code)
	}
}

func TestGenerateRequiresCredential(t *testing.T) {
	_, r := newTestHandler(t, &fakeClient{replies: []string{`{}`}})

	rec := doJSON(t, r, http.MethodPost, "/api/dr/generate", map[string]any{
		"screenshots": []string{"data:image/png;base64,abc"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestFullWorkflowOverHTTP(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"elements": ["header"]}`,
		`{"score": 5}`,
		`Everything looks solid.`,
	}}
	_, r := newTestHandler(t, fc)

	if rec := doJSON(t, r, http.MethodPost, "/api/credential", map[string]string{"api_key": "sk-test"}); rec.Code != http.StatusOK {
		t.Fatalf("credential status = %d", rec.Code)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/dr/generate", map[string]any{
		"screenshots": []string{"data:image/png;base64,abc"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	if _, ok := result["elements"]; !ok {
		t.Errorf("result = %v, want DR fields", result)
	}

	// Evaluating before confirm is a step conflict.
	if rec := doJSON(t, r, http.MethodPost, "/api/evaluation", nil); rec.Code != http.StatusConflict {
		t.Errorf("evaluate before confirm status = %d, want 409", rec.Code)
	}

	if rec := doJSON(t, r, http.MethodPost, "/api/dr/confirm", map[string]string{}); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, r, http.MethodPost, "/api/evaluation", nil); rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodPost, "/api/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body.String())
	}
	exported := decodeBody(t, rec)["path"].(string)
	if _, err := os.Stat(exported); err != nil {
		t.Errorf("exported artifact missing: %v", err)
	}

	if rec := doJSON(t, r, http.MethodPost, "/api/report/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("report start status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodPost, "/api/report/chat", map[string]string{"message": "summary please"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d: %s", rec.Code, rec.Body.String())
	}
	if reply := decodeBody(t, rec)["reply"]; reply != "Everything looks solid." {
		t.Errorf("reply = %v", reply)
	}

	if rec := doJSON(t, r, http.MethodPost, "/api/report/save", nil); rec.Code != http.StatusOK {
		t.Errorf("save status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReportChatBeforeInit(t *testing.T) {
	_, r := newTestHandler(t, &fakeClient{replies: []string{`{}`}})
	if rec := doJSON(t, r, http.MethodPost, "/api/credential", map[string]string{"api_key": "sk-test"}); rec.Code != http.StatusOK {
		t.Fatal("credential setup failed")
	}

	rec := doJSON(t, r, http.MethodPost, "/api/report/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGenerateWithLocalPathScreenshot(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"elements": []}`}}
	h, r := newTestHandler(t, fc)

	// A 1x1 PNG header is enough for encoding; content is not validated.
	imgPath := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(imgPath, []byte("\x89PNG\r\n\x1a\nfakepixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	if rec := doJSON(t, r, http.MethodPost, "/api/credential", map[string]string{"api_key": "sk-test"}); rec.Code != http.StatusOK {
		t.Fatal("credential setup failed")
	}
	rec := doJSON(t, r, http.MethodPost, "/api/dr/generate", map[string]any{
		"screenshots": []string{imgPath},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body.String())
	}
	if h.encoder.Len() != 1 {
		t.Errorf("encoder cache size = %d, want 1", h.encoder.Len())
	}
}
