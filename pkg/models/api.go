package models

// GenerateRequest is the body of POST /code/generate and /code/generate/stream.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Language    string   `json:"language"`
	Context     string   `json:"context,omitempty"`
	FilePath    string   `json:"file_path,omitempty"`
	Task        string   `json:"task,omitempty"`
	MaxLength   int      `json:"max_length,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// GenerateResponse is a single-shot generation result.
type GenerateResponse struct {
	Code           string  `json:"code"`
	Explanation    string  `json:"explanation,omitempty"`
	Language       string  `json:"language,omitempty"`
	Model          string  `json:"model,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
}

// CompletionRequest is the body of POST /code/complete.
type CompletionRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	CursorLine     int    `json:"cursor_line,omitempty"`
	CursorColumn   int    `json:"cursor_column,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	MaxSuggestions int    `json:"max_suggestions,omitempty"`
}

// Completion is a single completion suggestion.
type Completion struct {
	Text   string  `json:"text"`
	Label  string  `json:"label,omitempty"`
	Detail string  `json:"detail,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// CompletionResponse wraps the suggestions returned by /code/complete.
type CompletionResponse struct {
	Completions []Completion `json:"completions"`
}

// ChunkType labels a streaming chunk.
type ChunkType string

const (
	ChunkStart ChunkType = "start"
	ChunkToken ChunkType = "token"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// StreamChunk is one event emitted while streaming a generation.
type StreamChunk struct {
	Type    ChunkType `json:"type"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
}
