// Package parse turns free-text model replies into structured results.
//
// Generative output is not guaranteed to be well-formed JSON even under strict
// instruction. Parse applies a graduated ladder: whole-text decode, outermost
// brace slice, cheap repairs for the common failure shapes (prose wrapping,
// trailing commas, truncated closing braces), then a full repair pass, before
// giving up with a diagnostic failure record.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// trailingComma matches a comma that directly precedes a closing brace or
// bracket, with optional whitespace in between.
var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// Parse coerces raw model text into a Result. label identifies the producing
// role and is carried on every failure record.
func Parse(raw, label string) Result {
	// 1) The whole reply may already be the object we asked for.
	if fields, ok := decodeObject(strings.TrimSpace(raw)); ok {
		return Success(fields)
	}

	// 2) Slice the outermost {...} span out of any surrounding prose.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end < start {
		return Result{Tag: FailureTextOnly, Label: label, Raw: raw}
	}
	slice := raw[start : end+1]

	// 3) The slice alone is often valid.
	if fields, ok := decodeObject(slice); ok {
		return Success(fields)
	}
	parseErr := decodeError(slice)

	// 4a/4b) Strip trailing commas, then top up any closing-brace deficit.
	repaired := strings.TrimSpace(trailingComma.ReplaceAllString(slice, "$1"))
	if deficit := strings.Count(repaired, "{") - strings.Count(repaired, "}"); deficit > 0 {
		repaired += strings.Repeat("}", deficit)
	}
	if fields, ok := decodeObject(repaired); ok {
		return Success(fields)
	}

	// 4c) Last repair rung: structural repair of the original slice.
	if fixed, err := jsonrepair.JSONRepair(slice); err == nil {
		if fields, ok := decodeObject(fixed); ok {
			return Success(fields)
		}
	}

	return Result{
		Tag:   FailureParse,
		Label: label,
		Raw:   raw,
		Slice: repaired,
		Err:   parseErr,
	}
}

// decodeObject attempts a strict JSON object decode.
func decodeObject(s string) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// decodeError returns the decode error message for s, for diagnostics.
func decodeError(s string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return err.Error()
	}
	return ""
}
