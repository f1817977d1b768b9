// Package artifacts persists exported evaluation results and discussion
// transcripts as immutable JSON files.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/heuristiclab/uxaudit/internal/domain"
)

const timestampLayout = "20060102_150405"

// Store writes result files under a fixed output directory tree:
// drgenerator/, evaluator/, and final_discussions/.
type Store struct {
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a store rooted at outputDir.
func NewStore(outputDir string) *Store {
	return &Store{
		outputDir: outputDir,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (s *Store) kindDir(kind domain.ArtifactKind) (string, error) {
	switch kind {
	case domain.ArtifactDRGeneration:
		return filepath.Join(s.outputDir, "drgenerator"), nil
	case domain.ArtifactEvaluation:
		return filepath.Join(s.outputDir, "evaluator"), nil
	default:
		return "", fmt.Errorf("unknown artifact kind: %q", kind)
	}
}

// SaveResult writes one artifact and returns its path. The filename encodes
// kind, module, and timestamp, so files are never overwritten.
func (s *Store) SaveResult(kind domain.ArtifactKind, module string, payload any, isFeedback bool, feedback string) (string, error) {
	dir, err := s.kindDir(kind)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	ts := s.now().Format(timestampLayout)
	name := fmt.Sprintf("%s_%s_%s.json", kind, strings.ReplaceAll(module, " ", "_"), ts)
	path := filepath.Join(dir, name)

	artifact := domain.EvaluationArtifact{
		ModuleName: module,
		Timestamp:  ts,
		IsFeedback: isFeedback,
		Feedback:   feedback,
		Result:     payload,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	s.logger.Info("saved artifact",
		slog.String("kind", string(kind)),
		slog.String("module", module),
		slog.String("path", path),
	)
	return path, nil
}

// ListEvaluationFiles returns all exported evaluation artifacts, sorted by
// name (which sorts by module then timestamp).
func (s *Store) ListEvaluationFiles() ([]string, error) {
	dir, _ := s.kindDir(domain.ArtifactEvaluation)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadArtifact reads one artifact back.
func LoadArtifact(path string) (*domain.EvaluationArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var artifact domain.EvaluationArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &artifact, nil
}

// SaveReport writes a structured final report to the output root and returns
// its path.
func (s *Store) SaveReport(report map[string]any) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(s.outputDir, fmt.Sprintf("final_report_%s.json", s.now().Format(timestampLayout)))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	s.logger.Info("saved final report", slog.String("path", path))
	return path, nil
}

// SaveDiscussion writes a discussion transcript and returns its path.
func (s *Store) SaveDiscussion(tr domain.DiscussionTranscript) (string, error) {
	dir := filepath.Join(s.outputDir, "final_discussions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if tr.Timestamp == "" {
		tr.Timestamp = s.now().Format(timestampLayout)
	}

	path := filepath.Join(dir, fmt.Sprintf("final_discussion_%s.json", tr.Timestamp))
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}

	s.logger.Info("saved discussion transcript",
		slog.String("path", path),
		slog.Int("turns", tr.TotalTurns),
	)
	return path, nil
}

// BuildTranscript flattens a multi-part chat history into a readable
// transcript. Turns are numbered per user/assistant pair.
func BuildTranscript(history []domain.ConversationTurn, evaluationFiles []string) domain.DiscussionTranscript {
	tr := domain.DiscussionTranscript{
		TotalTurns:      len(history) / 2,
		EvaluationFiles: evaluationFiles,
	}
	for i, turn := range history {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			continue
		}
		tr.ConversationHistory = append(tr.ConversationHistory, domain.TranscriptEntry{
			Turn:    i/2 + 1,
			Role:    string(turn.Role),
			Content: turn.TextContent(),
		})
	}
	return tr
}
