package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPriorityRank(t *testing.T) {
	tests := []struct {
		p    Priority
		want int
	}{
		{PriorityHigh, 0},
		{PriorityMedium, 1},
		{PriorityLow, 2},
		{"urgent", 1},
	}
	for _, tt := range tests {
		if got := tt.p.Rank(); got != tt.want {
			t.Errorf("Rank(%q) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"": PriorityMedium, "high": PriorityHigh, "low": PriorityLow} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePriority("HIGH"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestPayloadValidation(t *testing.T) {
	hot := 2.5
	tests := []struct {
		name string
		p    Payload
		ok   bool
	}{
		{"completion", CompletionPayload{Language: "go", Code: "fmt."}, true},
		{"completion without code", CompletionPayload{Language: "go"}, false},
		{"completion negative cursor", CompletionPayload{Language: "go", Code: "x", CursorLine: -1}, false},
		{"analysis", AnalysisPayload{Language: "python", Code: "pass"}, true},
		{"analysis without language", AnalysisPayload{Code: "pass"}, false},
		{"generation", GenerationPayload{Language: "python", Prompt: "sort a list"}, true},
		{"generation without prompt", GenerationPayload{Language: "python"}, false},
		{"generation temperature too high", GenerationPayload{Language: "python", Prompt: "x", Temperature: &hot}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrInvalidPayload) {
					t.Errorf("error %v does not wrap ErrInvalidPayload", err)
				}
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(RequestCompletion, json.RawMessage(`{"language":"go","code":"x","cursorLine":3}`))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	c, ok := p.(CompletionPayload)
	if !ok {
		t.Fatalf("got %T, want CompletionPayload", p)
	}
	if c.CursorLine != 3 || c.Kind() != RequestCompletion {
		t.Errorf("unexpected payload %+v", c)
	}

	if _, err := DecodePayload("refactor", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("unknown type error = %v", err)
	}
	if _, err := DecodePayload(RequestGeneration, json.RawMessage(`{"prompt":`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("malformed JSON error = %v", err)
	}
}

func TestOfflineRequestDecode(t *testing.T) {
	r := OfflineRequest{Type: RequestAnalysis, Payload: json.RawMessage(`{"language":"go","code":"x"}`)}
	p, err := r.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := p.(AnalysisPayload); !ok {
		t.Errorf("got %T, want AnalysisPayload", p)
	}
}

func TestCachedResponseExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := CachedResponse{ExpiresAt: now.Add(time.Minute)}
	if c.Expired(now) {
		t.Error("entry expired before ExpiresAt")
	}
	if !c.Expired(now.Add(2 * time.Minute)) {
		t.Error("entry not expired after ExpiresAt")
	}
}
