package parse

// FailureTag classifies why a model reply could not be used as structured
// output. The zero value means success.
type FailureTag string

const (
	// FailureNone marks a successful parse.
	FailureNone FailureTag = ""
	// FailureTextOnly means no JSON-looking span was found in the reply.
	FailureTextOnly FailureTag = "text_only"
	// FailureParse means a JSON-looking span was found but did not parse
	// even after repair.
	FailureParse FailureTag = "json_parse_error"
	// FailureCall means the outbound call itself failed before any reply
	// was received.
	FailureCall FailureTag = "error"
)

// Result is the outcome of coercing raw model text into structured data:
// either a decoded JSON object, or a tagged failure carrying enough context
// to diagnose what went wrong.
type Result struct {
	// Fields holds the decoded object on success.
	Fields map[string]any

	Tag   FailureTag
	Label string // fallback label identifying the producing role
	Raw   string // original reply text, retained verbatim on failure
	Slice string // best-effort JSON slice on a parse failure
	Err   string // underlying parse or transport error message
}

// OK reports whether the result carries a decoded object.
func (r Result) OK() bool {
	return r.Tag == FailureNone
}

// Success wraps a decoded object.
func Success(fields map[string]any) Result {
	return Result{Fields: fields}
}

// CallFailure builds an error-tagged result for a failed outbound call.
func CallFailure(label, message string) Result {
	return Result{Tag: FailureCall, Label: label, Err: message}
}

// Payload renders the result in the shape persisted to artifacts and returned
// to API clients: the decoded object itself on success, or a diagnostic object
// with an explicit status on failure.
func (r Result) Payload() map[string]any {
	if r.OK() {
		return r.Fields
	}
	out := map[string]any{
		"analysis_type": r.Label,
		"status":        string(r.Tag),
	}
	switch r.Tag {
	case FailureTextOnly:
		out["content"] = r.Raw
	case FailureParse:
		out["content"] = r.Raw
		out["raw_json"] = r.Slice
		out["json_error"] = r.Err
	case FailureCall:
		out["error"] = r.Err
	}
	return out
}
