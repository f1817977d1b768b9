// Package api exposes the evaluation workflow over REST. Each endpoint maps
// one UI action onto a pipeline operation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heuristiclab/uxaudit/internal/agent"
	"github.com/heuristiclab/uxaudit/internal/attachments"
	"github.com/heuristiclab/uxaudit/internal/config"
	"github.com/heuristiclab/uxaudit/internal/pipeline"
	"github.com/heuristiclab/uxaudit/internal/prompts"
	"github.com/heuristiclab/uxaudit/internal/server"
)

type Handler struct {
	manager *pipeline.Manager
	cfg     *config.Config
	encoder *attachments.Encoder
}

func NewHandler(manager *pipeline.Manager, cfg *config.Config, encoder *attachments.Encoder) *Handler {
	return &Handler{manager: manager, cfg: cfg, encoder: encoder}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/status", h.HandleStatus)
	r.Get("/api/modules", h.HandleModules)
	r.Get("/api/models", h.HandleModels)

	r.Post("/api/credential", h.HandleSetCredential)
	r.Post("/api/module", h.HandleSelectModule)
	r.Post("/api/model", h.HandleSelectModel)

	r.Post("/api/dr/generate", h.HandleGenerateDR)
	r.Post("/api/dr/feedback", h.HandleDRFeedback)
	r.Post("/api/dr/confirm", h.HandleConfirmDR)

	r.Post("/api/evaluation", h.HandleEvaluate)
	r.Post("/api/evaluation/feedback", h.HandleEvalFeedback)
	r.Post("/api/export", h.HandleExport)

	r.Post("/api/report/start", h.HandleStartReport)
	r.Post("/api/report/chat", h.HandleReportChat)
	r.Post("/api/report/export", h.HandleExportReport)
	r.Post("/api/report/save", h.HandleSaveDiscussion)
	r.Post("/api/report/reset", h.HandleResetReport)

	r.Post("/api/reset", h.HandleReset)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors onto HTTP statuses: bad input is 400,
// missing/expired credentials 401, operations illegal in the current step 409.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	status := http.StatusInternalServerError
	var stepErr *pipeline.ErrStepNotAllowed
	switch {
	case errors.Is(err, pipeline.ErrNoCredential),
		errors.Is(err, pipeline.ErrCredentialExpired):
		status = http.StatusUnauthorized
	case errors.As(err, &stepErr),
		errors.Is(err, pipeline.ErrModelLocked),
		errors.Is(err, agent.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidCredential),
		errors.Is(err, pipeline.ErrUnknownModule),
		errors.Is(err, pipeline.ErrModelNotAllowed),
		errors.Is(err, pipeline.ErrNoScreenshots),
		errors.Is(err, pipeline.ErrNoDR),
		errors.Is(err, pipeline.ErrNoEvaluation),
		errors.Is(err, pipeline.ErrNoDiscussion),
		errors.Is(err, agent.ErrNoValidAttachments),
		errors.Is(err, agent.ErrEmptyMessage):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// resultResponse wraps a structured turn result. Parse failures are results,
// not HTTP errors: Stale marks a previous good result being shown in place of
// a failed turn.
type resultResponse struct {
	Result map[string]any `json:"result"`
	Stale  bool           `json:"stale,omitempty"`
}

func writeResult(w http.ResponseWriter, res pipeline.TurnResult) {
	writeJSON(w, http.StatusOK, resultResponse{
		Result: res.Payload(),
		Stale:  res.Stale,
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.CacheStatus())
}

func (h *Handler) HandleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modules": prompts.Modules()})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  h.cfg.OpenAI.Models,
		"default": h.cfg.OpenAI.Model,
	})
}

func (h *Handler) HandleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.manager.SetCredential(req.APIKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) HandleSelectModule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module string `json:"module"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.manager.SelectModule(req.Module); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.CacheStatus())
}

func (h *Handler) HandleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.manager.SelectModel(req.Model); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.CacheStatus())
}

// encodeScreenshots accepts either ready-made data URLs or server-local file
// paths, encoding the latter through the content-addressed cache.
func (h *Handler) encodeScreenshots(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if attachments.IsImageDataURL(ref) || strings.HasPrefix(ref, "data:") {
			out = append(out, ref)
			continue
		}
		encoded, err := h.encoder.EncodeFile(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

func (h *Handler) HandleGenerateDR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Screenshots []string `json:"screenshots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	encoded, err := h.encodeScreenshots(req.Screenshots)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.manager.GenerateDR(r.Context(), encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) HandleDRFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.manager.DRFeedback(r.Context(), req.Feedback)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) HandleConfirmDR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DRJSON string `json:"dr_json"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.manager.ConfirmDR(r.Context(), req.DRJSON); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.CacheStatus())
}

func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Evaluate(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) HandleEvalFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.manager.EvalFeedback(r.Context(), req.Feedback)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	path, err := h.manager.Export()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (h *Handler) HandleStartReport(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.StartFinalReport(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) HandleReportChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := h.manager.FinalChat(r.Context(), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (h *Handler) HandleExportReport(w http.ResponseWriter, r *http.Request) {
	report, path, err := h.manager.ExportReport(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report, "path": path})
}

func (h *Handler) HandleSaveDiscussion(w http.ResponseWriter, r *http.Request) {
	path, err := h.manager.SaveDiscussion()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (h *Handler) HandleResetReport(w http.ResponseWriter, r *http.Request) {
	h.manager.ResetFinalChat()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.manager.Reset()
	writeJSON(w, http.StatusOK, h.manager.CacheStatus())
}
