package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapa-ai/hapa/pkg/api"
	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/memory"
	"github.com/hapa-ai/hapa/pkg/models"
	"github.com/hapa-ai/hapa/pkg/offline"
	"github.com/hapa-ai/hapa/pkg/perf"
)

type fakeBackend struct {
	mu       sync.Mutex
	generate int
	complete int
	err      error
	tokens   []string
}

func (b *fakeBackend) GenerateCode(_ context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generate++
	if b.err != nil {
		return nil, b.err
	}
	return &models.GenerateResponse{Code: "# " + req.Prompt, Language: req.Language}, nil
}

func (b *fakeBackend) CompleteCode(_ context.Context, req models.CompletionRequest) ([]models.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete++
	if b.err != nil {
		return nil, b.err
	}
	return []models.Completion{{Text: req.Code + "pass"}}, nil
}

func (b *fakeBackend) GenerateCodeStream(_ context.Context, _ models.GenerateRequest,
	onChunk func(models.StreamChunk), onComplete func(string), _ func(error)) error {
	onChunk(models.StreamChunk{Type: models.ChunkStart})
	var content string
	for _, tok := range b.tokens {
		content += tok
		onChunk(models.StreamChunk{Type: models.ChunkToken, Content: tok})
	}
	onChunk(models.StreamChunk{Type: models.ChunkDone, Content: content})
	onComplete(content)
	return nil
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generate, b.complete
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock   *testClock
	mem     *memory.Manager
	srv     *Server
	svc     *offline.Service
	opt     *perf.Optimizer
	backend *fakeBackend
	online  atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		backend: &fakeBackend{},
	}
	h.online.Store(true)

	mem := memory.New(memory.Options{Logger: &errlog.Recorder{}})
	h.mem = mem
	h.svc = offline.New(mem, offline.Options{
		Dir:           t.TempDir(),
		CheckInterval: time.Hour,
		RetryInterval: time.Hour,
		CacheTTL:      time.Minute,
		Backend:       h.backend,
		Now:           h.clock.Now,
		Probe: func(context.Context) error {
			if h.online.Load() {
				return nil
			}
			return errors.New("network is unreachable")
		},
	})
	require.NoError(t, h.svc.Start(context.Background()))
	h.opt = perf.New(mem, perf.Options{})
	h.srv = New(Options{
		Backend:   h.backend,
		Offline:   h.svc,
		Optimizer: h.opt,
		Memory:    mem,
		Streaming: true,
		Queueing:  true,
		Caching:   true,
		Now:       h.clock.Now,
	})
	t.Cleanup(func() {
		h.svc.Cleanup()
		h.opt.Cleanup()
		mem.Cleanup()
	})
	return h
}

func (h *harness) goOffline(t *testing.T) {
	t.Helper()
	h.online.Store(false)
	require.False(t, h.svc.CheckOnlineStatus(context.Background()))
}

// exchange runs the server over msgs and returns every line written.
func exchange(t *testing.T, srv *Server, msgs ...Message) []json.RawMessage {
	t.Helper()
	var in bytes.Buffer
	for _, m := range msgs {
		line, err := json.Marshal(m)
		require.NoError(t, err)
		in.Write(append(line, '\n'))
	}
	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), &in, &out))

	var lines []json.RawMessage
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		lines = append(lines, json.RawMessage(append([]byte(nil), sc.Bytes()...)))
	}
	return lines
}

func sendAndReceive(t *testing.T, srv *Server, m Message) Reply {
	t.Helper()
	lines := exchange(t, srv, m)
	require.NotEmpty(t, lines)
	var r Reply
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &r))
	return r
}

type resultView struct {
	Response  json.RawMessage `json:"response"`
	Cached    bool            `json:"cached"`
	Queued    bool            `json:"queued"`
	RequestID string          `json:"requestId"`
}

func result(t *testing.T, r Reply) resultView {
	t.Helper()
	require.True(t, r.OK, "reply error: %s", r.Error)
	b, err := json.Marshal(r.Result)
	require.NoError(t, err)
	var v resultView
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func generateMsg(id, prompt string) Message {
	return Message{
		ID:      json.RawMessage(id),
		Command: CmdGenerate,
		Payload: json.RawMessage(`{"language":"python","prompt":"` + prompt + `"}`),
	}
}

func TestGenerateServesRepeatsFromCache(t *testing.T) {
	h := newHarness(t)

	first := result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "add two numbers")))
	assert.False(t, first.Cached)
	var resp models.GenerateResponse
	require.NoError(t, json.Unmarshal(first.Response, &resp))
	assert.Equal(t, "# add two numbers", resp.Code)

	second := result(t, sendAndReceive(t, h.srv, generateMsg(`2`, "add two numbers")))
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Response), string(second.Response))

	gen, _ := h.backend.counts()
	assert.Equal(t, 1, gen)
}

func TestMemoryLayerInFrontOfDiskCache(t *testing.T) {
	h := newHarness(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "hot")))

	// The disk cache alone is cleared; the hot copy still answers.
	h.svc.ClearCache()
	r := result(t, sendAndReceive(t, h.srv, generateMsg(`2`, "hot")))
	assert.True(t, r.Cached)

	// The clearCache command drops both layers.
	require.True(t, sendAndReceive(t, h.srv, Message{Command: CmdClearCache}).OK)
	r = result(t, sendAndReceive(t, h.srv, generateMsg(`3`, "hot")))
	assert.False(t, r.Cached)

	gen, _ := h.backend.counts()
	assert.Equal(t, 2, gen)
}

func TestMemoryCopyExpiresWithDiskEntry(t *testing.T) {
	h := newHarness(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "short lived")))
	r := result(t, sendAndReceive(t, h.srv, generateMsg(`2`, "short lived")))
	assert.True(t, r.Cached)

	h.clock.Advance(2 * time.Minute)
	r = result(t, sendAndReceive(t, h.srv, generateMsg(`3`, "short lived")))
	assert.False(t, r.Cached)
	gen, _ := h.backend.counts()
	assert.Equal(t, 2, gen)

	// A copy taken from a disk hit carries the disk entry's expiry.
	h.mem.ClearCache(memoryNamespace)
	h.clock.Advance(30 * time.Second)
	r = result(t, sendAndReceive(t, h.srv, generateMsg(`4`, "short lived")))
	assert.True(t, r.Cached)
	h.clock.Advance(time.Minute)
	r = result(t, sendAndReceive(t, h.srv, generateMsg(`5`, "short lived")))
	assert.False(t, r.Cached)
	gen, _ = h.backend.counts()
	assert.Equal(t, 3, gen)
}

func TestReplyCarriesRequestID(t *testing.T) {
	h := newHarness(t)
	r := sendAndReceive(t, h.srv, generateMsg(`"abc"`, "x"))
	assert.JSONEq(t, `"abc"`, string(r.ID))
}

func TestOfflineRequestsAreQueued(t *testing.T) {
	h := newHarness(t)
	h.goOffline(t)

	r := result(t, sendAndReceive(t, h.srv, Message{
		ID:      json.RawMessage(`1`),
		Command: CmdComplete,
		Payload: json.RawMessage(`{"language":"go","code":"func main() {","priority":"high"}`),
	}))
	assert.True(t, r.Queued)
	require.NotEmpty(t, r.RequestID)

	pending := h.svc.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, r.RequestID, pending[0].ID)
	assert.Equal(t, models.PriorityHigh, pending[0].Priority)
	_, comp := h.backend.counts()
	assert.Zero(t, comp)
}

func TestCachedResponseServedWhileOffline(t *testing.T) {
	h := newHarness(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "hello")))
	h.goOffline(t)

	r := result(t, sendAndReceive(t, h.srv, generateMsg(`2`, "hello")))
	assert.True(t, r.Cached)
	assert.Empty(t, h.svc.PendingRequests())
}

func TestRetryableFailureQueues(t *testing.T) {
	h := newHarness(t)
	h.backend.err = &api.NetworkError{Op: "post", Err: errors.New("connection refused")}

	r := result(t, sendAndReceive(t, h.srv, Message{
		ID:      json.RawMessage(`1`),
		Command: CmdAnalyze,
		Payload: json.RawMessage(`{"language":"go","code":"x := 1"}`),
	}))
	assert.True(t, r.Queued)
	require.Len(t, h.svc.PendingRequests(), 1)
	assert.Equal(t, models.RequestAnalysis, h.svc.PendingRequests()[0].Type)
}

func TestPermanentFailureReturnsUserMessage(t *testing.T) {
	h := newHarness(t)
	h.backend.err = &api.StatusError{StatusCode: 401}

	r := sendAndReceive(t, h.srv, generateMsg(`1`, "x"))
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "check your API key")
	assert.Empty(t, h.svc.PendingRequests())
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	h := newHarness(t)

	r := sendAndReceive(t, h.srv, Message{
		ID:      json.RawMessage(`1`),
		Command: CmdGenerate,
		Payload: json.RawMessage(`{"language":"python"}`),
	})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, models.ErrInvalidPayload.Error())

	r = sendAndReceive(t, h.srv, Message{ID: json.RawMessage(`2`), Command: CmdComplete})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "missing payload")

	gen, comp := h.backend.counts()
	assert.Zero(t, gen+comp)
}

func TestStreamEmitsChunkEvents(t *testing.T) {
	h := newHarness(t)
	h.backend.tokens = []string{"def ", "add", "():"}

	lines := exchange(t, h.srv, Message{
		ID:      json.RawMessage(`7`),
		Command: CmdGenerate,
		Payload: json.RawMessage(`{"language":"python","prompt":"add","stream":true}`),
	})
	require.Len(t, lines, 6)

	var types []models.ChunkType
	for _, l := range lines[:5] {
		var ev struct {
			Event string             `json:"event"`
			ID    json.RawMessage    `json:"id"`
			Data  models.StreamChunk `json:"data"`
		}
		require.NoError(t, json.Unmarshal(l, &ev))
		assert.Equal(t, EventChunk, ev.Event)
		assert.JSONEq(t, `7`, string(ev.ID))
		types = append(types, ev.Data.Type)
	}
	assert.Equal(t, []models.ChunkType{
		models.ChunkStart, models.ChunkToken, models.ChunkToken, models.ChunkToken, models.ChunkDone,
	}, types)

	var reply Reply
	require.NoError(t, json.Unmarshal(lines[5], &reply))
	var resp models.GenerateResponse
	require.NoError(t, json.Unmarshal(result(t, reply).Response, &resp))
	assert.Equal(t, "def add():", resp.Code)
}

func TestQueueCommand(t *testing.T) {
	h := newHarness(t)
	h.goOffline(t)

	r := result(t, sendAndReceive(t, h.srv, Message{
		ID:      json.RawMessage(`1`),
		Command: CmdQueue,
		Payload: json.RawMessage(`{"type":"generation","priority":"low","payload":{"language":"go","prompt":"hi"}}`),
	}))
	assert.True(t, r.Queued)

	list := sendAndReceive(t, h.srv, Message{ID: json.RawMessage(`2`), Command: CmdQueue})
	require.True(t, list.OK)
	b, _ := json.Marshal(list.Result)
	var pending []models.OfflineRequest
	require.NoError(t, json.Unmarshal(b, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, r.RequestID, pending[0].ID)

	bad := sendAndReceive(t, h.srv, Message{
		ID:      json.RawMessage(`3`),
		Command: CmdQueue,
		Payload: json.RawMessage(`{"type":"refactor","payload":{}}`),
	})
	assert.False(t, bad.OK)
}

func TestStatusAndClearCommands(t *testing.T) {
	h := newHarness(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "a")))
	h.goOffline(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`2`, "b")))

	status := sendAndReceive(t, h.srv, Message{ID: json.RawMessage(`3`), Command: CmdStatus})
	require.True(t, status.OK)
	b, _ := json.Marshal(status.Result)
	var st struct {
		Online          bool              `json:"online"`
		PendingRequests int               `json:"pendingRequests"`
		Cache           models.CacheStats `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(b, &st))
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.PendingRequests)
	assert.Equal(t, 1, st.Cache.Entries)

	for _, cmd := range []string{CmdClearCache, CmdClearQueue} {
		r := sendAndReceive(t, h.srv, Message{Command: cmd})
		assert.True(t, r.OK, cmd)
	}
	assert.Empty(t, h.svc.PendingRequests())
	assert.Zero(t, h.svc.CacheStats().Entries)
}

func TestMetricsCommandReportsMeasuredCalls(t *testing.T) {
	h := newHarness(t)
	result(t, sendAndReceive(t, h.srv, generateMsg(`1`, "a")))

	m, ok := h.opt.Metric("bridge.generation")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.CallCount)

	r := sendAndReceive(t, h.srv, Message{Command: CmdMetrics})
	require.True(t, r.OK)
	b, _ := json.Marshal(r.Result)
	assert.Contains(t, string(b), "bridge.generation")
}

func TestUnknownCommandAndParseError(t *testing.T) {
	h := newHarness(t)

	r := sendAndReceive(t, h.srv, Message{ID: json.RawMessage(`1`), Command: "refactor"})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown command")

	var out bytes.Buffer
	require.NoError(t, h.srv.Run(context.Background(), strings.NewReader("{not json\n\n"), &out))
	var reply Reply
	require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
	assert.Equal(t, "parse error", reply.Error)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNotifyWritesStatusEvents(t *testing.T) {
	srv := New(Options{})
	srv.Notify(offline.Notification{Kind: offline.NotifyOffline}) // not running, dropped

	pr, pw := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), pr, out) }()

	_, err := pw.Write([]byte(`{"id":1,"command":"refactor"}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "unknown command") },
		time.Second, 5*time.Millisecond)

	srv.Notify(offline.Notification{Kind: offline.NotifyOnline, Message: "back online", Pending: 2})
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var ev struct {
		Event string               `json:"event"`
		Data  offline.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, EventStatus, ev.Event)
	assert.Equal(t, offline.NotifyOnline, ev.Data.Kind)
	assert.Equal(t, 2, ev.Data.Pending)
}

func TestHandleOutsideRunPassesEventsToEmit(t *testing.T) {
	h := newHarness(t)
	h.backend.tokens = []string{"x", "y"}

	var events []Event
	r := h.srv.Handle(context.Background(), &Message{
		Command: CmdGenerate,
		Payload: json.RawMessage(`{"language":"go","prompt":"xy","stream":true}`),
	}, func(ev Event) { events = append(events, ev) })

	require.True(t, r.OK, r.Error)
	assert.Len(t, events, 4)

	r = h.srv.Handle(context.Background(), &Message{Command: CmdStatus}, nil)
	assert.True(t, r.OK)
}
