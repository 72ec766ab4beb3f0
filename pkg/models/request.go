package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrInvalidPayload is returned when a request payload fails validation.
var ErrInvalidPayload = errors.New("invalid request payload")

// RequestType identifies which backend operation a queued request targets.
type RequestType string

const (
	RequestCompletion RequestType = "completion"
	RequestAnalysis   RequestType = "analysis"
	RequestGeneration RequestType = "generation"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestCompletion, RequestAnalysis, RequestGeneration:
		return true
	}
	return false
}

// Priority orders requests within the offline queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of p; lower ranks are processed first.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority converts a string to a Priority, defaulting to medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Payload is the typed body of a queued request.
type Payload interface {
	Kind() RequestType
	Validate() error
}

// CompletionPayload asks the backend for inline code completions.
type CompletionPayload struct {
	Language       string `json:"language"`
	Code           string `json:"code"`
	CursorLine     int    `json:"cursorLine,omitempty"`
	CursorColumn   int    `json:"cursorColumn,omitempty"`
	FilePath       string `json:"filePath,omitempty"`
	MaxSuggestions int    `json:"maxSuggestions,omitempty"`
}

func (p CompletionPayload) Kind() RequestType { return RequestCompletion }

func (p CompletionPayload) Validate() error {
	return wrapValidation(validation.ValidateStruct(&p,
		validation.Field(&p.Language, validation.Required),
		validation.Field(&p.Code, validation.Required),
		validation.Field(&p.CursorLine, validation.Min(0)),
		validation.Field(&p.CursorColumn, validation.Min(0)),
		validation.Field(&p.MaxSuggestions, validation.Min(0), validation.Max(20)),
	))
}

// AnalysisPayload asks the backend to explain or review existing code.
type AnalysisPayload struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Question string `json:"question,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

func (p AnalysisPayload) Kind() RequestType { return RequestAnalysis }

func (p AnalysisPayload) Validate() error {
	return wrapValidation(validation.ValidateStruct(&p,
		validation.Field(&p.Language, validation.Required),
		validation.Field(&p.Code, validation.Required),
	))
}

// GenerationPayload asks the backend to generate code from a prompt.
type GenerationPayload struct {
	Language    string   `json:"language"`
	Prompt      string   `json:"prompt"`
	Context     string   `json:"context,omitempty"`
	FilePath    string   `json:"filePath,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (p GenerationPayload) Kind() RequestType { return RequestGeneration }

func (p GenerationPayload) Validate() error {
	return wrapValidation(validation.ValidateStruct(&p,
		validation.Field(&p.Language, validation.Required),
		validation.Field(&p.Prompt, validation.Required),
		validation.Field(&p.MaxLength, validation.Min(0)),
		validation.Field(&p.Temperature, validation.Min(0.0), validation.Max(2.0)),
	))
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}

// DecodePayload reconstructs the concrete payload for a request type.
func DecodePayload(t RequestType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case RequestCompletion:
		var c CompletionPayload
		err = json.Unmarshal(raw, &c)
		p = c
	case RequestAnalysis:
		var a AnalysisPayload
		err = json.Unmarshal(raw, &a)
		p = a
	case RequestGeneration:
		var g GenerationPayload
		err = json.Unmarshal(raw, &g)
		p = g
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidPayload, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, t, err)
	}
	return p, nil
}

// OfflineRequest is a request waiting in the offline queue.
type OfflineRequest struct {
	ID         string          `json:"id"`
	Type       RequestType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	Priority   Priority        `json:"priority"`
	LastError  string          `json:"lastError,omitempty"`
}

// Decode returns the typed payload of the request.
func (r *OfflineRequest) Decode() (Payload, error) {
	return DecodePayload(r.Type, r.Payload)
}
