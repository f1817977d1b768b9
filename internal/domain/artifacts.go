package domain

// ArtifactKind distinguishes the two exported result types.
type ArtifactKind string

const (
	ArtifactDRGeneration ArtifactKind = "dr_generation"
	ArtifactEvaluation   ArtifactKind = "evaluation"
)

// EvaluationArtifact is one exported result file. Immutable once written;
// the filename encodes kind, module, and timestamp.
type EvaluationArtifact struct {
	ModuleName string `json:"module_name"`
	Timestamp  string `json:"timestamp"`
	IsFeedback bool   `json:"is_feedback"`
	Feedback   string `json:"feedback"`
	Result     any    `json:"result"`
}

// TranscriptEntry is one readable entry of a saved discussion.
type TranscriptEntry struct {
	Turn    int    `json:"turn"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DiscussionTranscript is the exported final-report conversation, flattened
// from multi-part turns into plain text entries.
type DiscussionTranscript struct {
	Timestamp           string            `json:"timestamp"`
	TotalTurns          int               `json:"total_turns"`
	EvaluationFiles     []string          `json:"evaluation_files"`
	ConversationHistory []TranscriptEntry `json:"conversation_history"`
}
