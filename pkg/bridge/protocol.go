package bridge

import "encoding/json"

// Wire types. Every message is one JSON object per line.

// Message is a command sent by the editor UI.
type Message struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a Message with the same ID.
type Reply struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is pushed without a request: stream chunks carry the ID of the
// generate command they belong to, status events carry none.
type Event struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
}

// Result is the outcome of a generate, complete or analyze command.
type Result struct {
	Response  any    `json:"response,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Commands.
const (
	CmdGenerate   = "generate"
	CmdComplete   = "complete"
	CmdAnalyze    = "analyze"
	CmdQueue      = "queue"
	CmdStatus     = "status"
	CmdClearCache = "clearCache"
	CmdClearQueue = "clearQueue"
	CmdMetrics    = "metrics"
)

// Events.
const (
	EventChunk  = "chunk"
	EventStatus = "status"
)

// requestOptions are read from the payload next to the typed fields.
type requestOptions struct {
	Priority string `json:"priority,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
}

// queueArgs is the payload of the queue command.
type queueArgs struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}
