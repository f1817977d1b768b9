// Package prompts loads role prompts and reference document mappings for the
// rubric modules.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Kind selects which prompt variant a role uses.
type Kind string

const (
	KindDRGenerator Kind = "dr_generator"
	KindEvaluator   Kind = "evaluator"
)

// moduleNumbers maps rubric module names to their prompt asset numbering.
var moduleNumbers = map[string]int{
	"Text Legibility":          1,
	"Information Architecture": 2,
	"Icon Representativeness":  3,
	"User Task Suitability":    4,
}

// referenceFiles maps rubric modules to the guideline documents indexed for
// retrieval augmentation.
var referenceFiles = map[string][]string{
	"Text Legibility":          {"Agent1_Text_heuristics.md"},
	"Information Architecture": {"Agent2_Terms_and_definitions.md", "Agent2_IA_heuristics.md"},
	"Icon Representativeness":  {"Agent3_Icon_heuristics.md"},
	"User Task Suitability":    {"Agent4_Terms_and_definitions.md", "Agent4_heuristics.md"},
}

// Modules returns the known rubric module names in stable order.
func Modules() []string {
	names := make([]string, 0, len(moduleNumbers))
	for name := range moduleNumbers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return moduleNumbers[names[i]] < moduleNumbers[names[j]]
	})
	return names
}

// KnownModule reports whether name is a known rubric module.
func KnownModule(name string) bool {
	_, ok := moduleNumbers[name]
	return ok
}

// Loader reads prompt assets from disk.
type Loader struct {
	promptsDir string
	refsDir    string
}

// NewLoader creates a loader over the given asset directories.
func NewLoader(promptsDir, refsDir string) *Loader {
	return &Loader{promptsDir: promptsDir, refsDir: refsDir}
}

// Load returns the system prompt for a role kind and rubric module.
func (l *Loader) Load(kind Kind, module string) (string, error) {
	num, ok := moduleNumbers[module]
	if !ok {
		return "", fmt.Errorf("unknown rubric module: %q", module)
	}

	var name string
	switch kind {
	case KindDRGenerator:
		name = fmt.Sprintf("Agent%d_DR_prompt.md", num)
	case KindEvaluator:
		name = fmt.Sprintf("Agent%d_E_prompt.md", num)
	default:
		return "", fmt.Errorf("unknown prompt kind: %q", kind)
	}

	data, err := os.ReadFile(filepath.Join(l.promptsDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
	}
	return string(data), nil
}

// ReferencePaths returns the deduplicated, sorted paths of every reference
// document across all modules. Missing files are included so the index cache
// fingerprint can record their absence.
func (l *Loader) ReferencePaths() []string {
	seen := make(map[string]bool)
	for _, files := range referenceFiles {
		for _, f := range files {
			seen[filepath.Join(l.refsDir, f)] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
