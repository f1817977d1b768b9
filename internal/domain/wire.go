package domain

// SubmitRequest is the outbound Responses API request body. Input carries the
// full turn sequence (system turn first) on every call; the API is stateless
// from our point of view.
type SubmitRequest struct {
	Model string             `json:"model"`
	Input []ConversationTurn `json:"input"`
	Tools []Tool             `json:"tools,omitempty"`
}

// Tool enables a built-in tool on a request. Only file_search is used here,
// scoped to one or more vector store handles.
type Tool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

// FileSearchTool builds a file_search tool scoped to the given index handles.
func FileSearchTool(indexHandles ...string) Tool {
	return Tool{Type: "file_search", VectorStoreIDs: indexHandles}
}

// SubmitResponse is the subset of the Responses API reply we consume.
type SubmitResponse struct {
	ID     string       `json:"id"`
	Model  string       `json:"model"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
}

// OutputItem is one item in the response output array.
type OutputItem struct {
	Type    string        `json:"type"` // "message", "file_search_call", ...
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// OutputText returns the concatenated text of all output_text parts across
// message items, mirroring the convenience accessor the API SDKs expose.
func (r *SubmitResponse) OutputText() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out += part.Text
			}
		}
	}
	return out
}

// UploadResponse is the reply from the file upload endpoint.
type UploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// VectorStoreResponse is the reply from vector store creation.
type VectorStoreResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIError is the standard error envelope returned by the API.
type APIError struct {
	ErrorInfo struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
