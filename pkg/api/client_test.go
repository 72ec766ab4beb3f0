package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.APIConfig{BaseURL: srv.URL + "/", APIKey: "hapa-test-key"}), srv
}

func TestGenerateCode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathGenerate, r.URL.Path)
		assert.Equal(t, "hapa-test-key", r.Header.Get("X-API-Key"))
		var req models.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sort a list", req.Prompt)
		json.NewEncoder(w).Encode(models.GenerateResponse{Code: "sorted(xs)", Model: "hapa-coder"})
	})

	resp, err := c.GenerateCode(context.Background(), models.GenerateRequest{Prompt: "sort a list", Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, "sorted(xs)", resp.Code)
	assert.Equal(t, "hapa-coder", resp.Model)
}

func TestCompleteCodeAndHealth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathComplete:
			json.NewEncoder(w).Encode(models.CompletionResponse{Completions: []models.Completion{
				{Text: "print(x)", Score: 0.9},
				{Text: "pass"},
			}})
		case PathHealth:
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})

	comps, err := c.CompleteCode(context.Background(), models.CompletionRequest{Code: "x = 1\n", Language: "python"})
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.Equal(t, "print(x)", comps[0].Text)

	assert.NoError(t, c.Health(context.Background()))
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		message   string
	}{
		{http.StatusUnauthorized, false, "API key"},
		{http.StatusForbidden, false, "API key"},
		{http.StatusTooManyRequests, true, "Rate limit"},
		{http.StatusServiceUnavailable, true, "backend"},
		{http.StatusBadRequest, false, "rejected"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})
			_, err := c.GenerateCode(context.Background(), models.GenerateRequest{Prompt: "p"})
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, UserMessage(err), tt.message)
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(config.APIConfig{BaseURL: base})
	_, err := c.CompleteCode(context.Background(), models.CompletionRequest{Code: "x"})
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestConfigure(t *testing.T) {
	var hits sync.Map
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits.Store(name, r.Header.Get("X-API-Key"))
		}
	}
	a := httptest.NewServer(handler("a"))
	defer a.Close()
	b := httptest.NewServer(handler("b"))
	defer b.Close()

	c := New(config.APIConfig{BaseURL: a.URL, APIKey: "one"})
	require.NoError(t, c.Health(context.Background()))
	c.Configure(config.APIConfig{BaseURL: b.URL, APIKey: "two"})
	require.NoError(t, c.Health(context.Background()))

	key, _ := hits.Load("a")
	assert.Equal(t, "one", key)
	key, _ = hits.Load("b")
	assert.Equal(t, "two", key)
	assert.Equal(t, b.URL, c.BaseURL())
}

type streamRecorder struct {
	chunks   []models.StreamChunk
	complete []string
	errs     []error
}

func (s *streamRecorder) run(c *Client, ctx context.Context) error {
	return c.GenerateCodeStream(ctx, models.GenerateRequest{Prompt: "p", Language: "python"},
		func(ch models.StreamChunk) { s.chunks = append(s.chunks, ch) },
		func(content string) { s.complete = append(s.complete, content) },
		func(err error) { s.errs = append(s.errs, err) },
	)
}

func (s *streamRecorder) types() []models.ChunkType {
	out := make([]models.ChunkType, len(s.chunks))
	for i, ch := range s.chunks {
		out[i] = ch.Type
	}
	return out
}

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			io.WriteString(w, ev)
			w.(http.Flusher).Flush()
		}
	}
}

func TestGenerateCodeStreamEndToken(t *testing.T) {
	c, _ := newTestClient(t, sseHandler(
		": keep-alive\n\n",
		"data: def\n\n",
		`data: {"token":" add(a, b):"}`+"\n\n",
		"data: \ndata:     return a + b<|endoftext|>\n\n",
		"data: never emitted\n\n",
	))

	var rec streamRecorder
	require.NoError(t, rec.run(c, context.Background()))

	assert.Equal(t, []models.ChunkType{
		models.ChunkStart, models.ChunkToken, models.ChunkToken, models.ChunkToken, models.ChunkDone,
	}, rec.types())
	want := "def add(a, b):\n    return a + b"
	require.Equal(t, []string{want}, rec.complete)
	assert.Equal(t, want, rec.chunks[len(rec.chunks)-1].Content)
	assert.Empty(t, rec.errs)
}

func TestGenerateCodeStreamDoneSentinel(t *testing.T) {
	c, _ := newTestClient(t, sseHandler("data: x = 1\n\n", "data: [DONE]\n\n", "data: ignored\n\n"))

	var rec streamRecorder
	require.NoError(t, rec.run(c, context.Background()))
	assert.Equal(t, []string{"x = 1"}, rec.complete)
}

func TestGenerateCodeStreamBackendError(t *testing.T) {
	c, _ := newTestClient(t, sseHandler("data: x\n\n", `data: {"error":"model overloaded"}`+"\n\n"))

	var rec streamRecorder
	err := rec.run(c, context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Empty(t, rec.complete)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, models.ChunkError, rec.chunks[len(rec.chunks)-1].Type)
}

func TestGenerateCodeStreamStatusError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	var rec streamRecorder
	err := rec.run(c, context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []models.ChunkType{models.ChunkError}, rec.types())
	assert.Contains(t, rec.chunks[0].Error, "API key")
}

func TestGenerateCodeStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: partial\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(config.APIConfig{BaseURL: srv.URL, StreamIdleTimeout: 50 * time.Millisecond})
	var rec streamRecorder
	start := time.Now()
	err := rec.run(c, context.Background())

	assert.ErrorIs(t, err, ErrStreamStalled)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, rec.errs, 1)
	assert.Empty(t, rec.complete)
}

func TestSSEReader(t *testing.T) {
	input := "event: message\nid: 7\ndata: first\ndata: second\n\n: comment\n\n\ndata: tail"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "first\nsecond", ev.Data)

	ev, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "tail", ev.Data)

	_, err = r.ReadEvent()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestParseData(t *testing.T) {
	tests := []struct {
		in    string
		token string
		done  bool
	}{
		{"[DONE]", "", true},
		{"plain", "plain", false},
		{`{"content":"c"}`, "c", false},
		{`{"text":"t","done":true}`, "t", true},
		{`{"done":true}`, "", true},
		{"{}", "{}", false},
		{"a</s>b", "a", true},
		{"<|im_end|>", "", true},
	}
	for _, tt := range tests {
		token, done, err := parseData(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.token, token, tt.in)
		assert.Equal(t, tt.done, done, tt.in)
	}
}
