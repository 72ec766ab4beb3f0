package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/api"
	"github.com/hapa-ai/hapa/pkg/models"
	"github.com/hapa-ai/hapa/pkg/offline"
)

// handler runs one command and returns its result.
type handler func(ctx context.Context, s *Server, msg *Message, emit func(Event)) (any, error)

// handlers maps command names to their handlers.
var handlers = map[string]handler{
	CmdGenerate:   handleGenerate,
	CmdComplete:   handleComplete,
	CmdAnalyze:    handleAnalyze,
	CmdQueue:      handleQueue,
	CmdStatus:     handleStatus,
	CmdClearCache: handleClearCache,
	CmdClearQueue: handleClearQueue,
	CmdMetrics:    handleMetrics,
}

const memoryNamespace = "bridge.responses"

// call is a live backend call returning a cacheable response.
type call func(ctx context.Context) (any, error)

// request runs a typed request through the cache, the backend and, when the
// backend cannot be reached, the offline queue.
func (s *Server) request(ctx context.Context, p models.Payload, opts requestOptions, fn call) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}
	key := offline.RequestKey(p)

	if cached, ok := s.lookup(key); ok {
		return &Result{Response: cached, Cached: true}, nil
	}
	if s.canQueue() && !s.opts.Offline.IsOnline() {
		return s.enqueue(p, priority)
	}

	var resp any
	name := "bridge." + string(p.Kind())
	run := func(ctx context.Context) error {
		var err error
		resp, err = fn(ctx)
		return err
	}
	if s.opts.Optimizer != nil {
		err = s.opts.Optimizer.MeasureContext(ctx, name, run, map[string]any{"type": string(p.Kind())})
	} else {
		err = run(ctx)
	}
	if err != nil {
		if s.canQueue() && api.IsRetryable(err) {
			logrus.WithError(err).WithField("type", p.Kind()).Info("[BRIDGE] backend unreachable, queueing request")
			return s.enqueue(p, priority)
		}
		return nil, errors.New(api.UserMessage(err))
	}

	s.store(key, resp)
	return &Result{Response: resp}, nil
}

// hotEntry is the in-memory copy of a disk cache entry. It stops answering
// when the disk entry it was copied from expires.
type hotEntry struct {
	Response  json.RawMessage
	ExpiresAt time.Time
}

// lookup checks the in-memory namespace first, then the disk cache.
func (s *Server) lookup(key any) (any, bool) {
	if !s.opts.Caching || s.opts.Offline == nil {
		return nil, false
	}
	hash, err := offline.HashPayload(key)
	if err != nil {
		return nil, false
	}
	if s.opts.Memory != nil {
		if v, ok := s.opts.Memory.GetCache(memoryNamespace, hash); ok {
			if e, ok := v.(hotEntry); ok && s.opts.Now().Before(e.ExpiresAt) {
				return e.Response, true
			}
		}
	}
	entry, ok := s.opts.Offline.CachedEntry(key)
	if !ok {
		return nil, false
	}
	s.remember(hash, hotEntry{Response: entry.Response, ExpiresAt: entry.ExpiresAt})
	return entry.Response, true
}

func (s *Server) store(key, resp any) {
	if !s.opts.Caching || s.opts.Offline == nil {
		return
	}
	if err := s.opts.Offline.CacheResponse(key, resp, 0); err != nil {
		logrus.WithError(err).Debug("[BRIDGE] response not cached")
		return
	}
	if s.opts.Memory == nil {
		return
	}
	hash, err := offline.HashPayload(key)
	if err != nil {
		return
	}
	expires, ok := s.opts.Offline.CacheExpiry(key)
	if !ok {
		return
	}
	// Keep the encoded form so memory and disk hits look the same.
	if b, err := json.Marshal(resp); err == nil {
		s.remember(hash, hotEntry{Response: b, ExpiresAt: expires})
	}
}

func (s *Server) remember(hash string, e hotEntry) {
	if s.opts.Memory == nil {
		return
	}
	s.opts.Memory.SetCache(memoryNamespace, hash, e)
}

func (s *Server) canQueue() bool {
	return s.opts.Queueing && s.opts.Offline != nil
}

func (s *Server) enqueue(p models.Payload, priority models.Priority) (*Result, error) {
	id, err := s.opts.Offline.AddToQueue(p, priority)
	if err != nil {
		return nil, err
	}
	return &Result{Queued: true, RequestID: id}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", models.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return nil
}

// decodeRequest reads the typed payload and the request options sharing
// the same object.
func decodeRequest(raw json.RawMessage, p any) (requestOptions, error) {
	var opts requestOptions
	if err := decode(raw, p); err != nil {
		return opts, err
	}
	if err := decode(raw, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func (s *Server) noBackend() error {
	if s.opts.Backend == nil {
		return errors.New("backend not configured")
	}
	return nil
}

func handleGenerate(ctx context.Context, s *Server, msg *Message, emit func(Event)) (any, error) {
	var p models.GenerationPayload
	opts, err := decodeRequest(msg.Payload, &p)
	if err != nil {
		return nil, err
	}
	if err := s.noBackend(); err != nil {
		return nil, err
	}
	req := offline.GenerationRequest(p)
	if opts.Stream && s.opts.Streaming {
		return s.request(ctx, p, opts, func(ctx context.Context) (any, error) {
			return s.stream(ctx, msg.ID, req, emit)
		})
	}
	return s.request(ctx, p, opts, func(ctx context.Context) (any, error) {
		return s.opts.Backend.GenerateCode(ctx, req)
	})
}

// stream forwards every chunk as an event and returns the generated code in
// the same shape as a single-shot generation.
func (s *Server) stream(ctx context.Context, id json.RawMessage, req models.GenerateRequest, emit func(Event)) (any, error) {
	var code string
	err := s.opts.Backend.GenerateCodeStream(ctx, req,
		func(ch models.StreamChunk) { emit(Event{Event: EventChunk, ID: id, Data: ch}) },
		func(content string) { code = content },
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &models.GenerateResponse{Code: code, Language: req.Language}, nil
}

func handleComplete(ctx context.Context, s *Server, msg *Message, _ func(Event)) (any, error) {
	var p models.CompletionPayload
	opts, err := decodeRequest(msg.Payload, &p)
	if err != nil {
		return nil, err
	}
	if err := s.noBackend(); err != nil {
		return nil, err
	}
	req := offline.CompletionRequest(p)
	return s.request(ctx, p, opts, func(ctx context.Context) (any, error) {
		return s.opts.Backend.CompleteCode(ctx, req)
	})
}

func handleAnalyze(ctx context.Context, s *Server, msg *Message, _ func(Event)) (any, error) {
	var p models.AnalysisPayload
	opts, err := decodeRequest(msg.Payload, &p)
	if err != nil {
		return nil, err
	}
	if err := s.noBackend(); err != nil {
		return nil, err
	}
	req := offline.AnalysisRequest(p)
	return s.request(ctx, p, opts, func(ctx context.Context) (any, error) {
		return s.opts.Backend.GenerateCode(ctx, req)
	})
}

// handleQueue queues a request explicitly, or lists pending requests when
// called without a payload.
func handleQueue(_ context.Context, s *Server, msg *Message, _ func(Event)) (any, error) {
	if s.opts.Offline == nil {
		return nil, errors.New("offline service not configured")
	}
	if len(msg.Payload) == 0 {
		return s.opts.Offline.PendingRequests(), nil
	}
	var args queueArgs
	if err := decode(msg.Payload, &args); err != nil {
		return nil, err
	}
	p, err := models.DecodePayload(models.RequestType(args.Type), args.Payload)
	if err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(args.Priority)
	if err != nil {
		return nil, err
	}
	return s.enqueue(p, priority)
}

type statusResult struct {
	models.OfflineStatus
	Cache models.CacheStats `json:"cache"`
}

func handleStatus(_ context.Context, s *Server, _ *Message, _ func(Event)) (any, error) {
	if s.opts.Offline == nil {
		return nil, errors.New("offline service not configured")
	}
	return statusResult{
		OfflineStatus: s.opts.Offline.GetStatus(),
		Cache:         s.opts.Offline.CacheStats(),
	}, nil
}

func handleClearCache(_ context.Context, s *Server, _ *Message, _ func(Event)) (any, error) {
	if s.opts.Offline == nil {
		return nil, errors.New("offline service not configured")
	}
	s.opts.Offline.ClearCache()
	if s.opts.Memory != nil {
		s.opts.Memory.ClearCache(memoryNamespace)
	}
	return map[string]bool{"cleared": true}, nil
}

func handleClearQueue(_ context.Context, s *Server, _ *Message, _ func(Event)) (any, error) {
	if s.opts.Offline == nil {
		return nil, errors.New("offline service not configured")
	}
	s.opts.Offline.ClearQueue()
	return map[string]bool{"cleared": true}, nil
}

func handleMetrics(_ context.Context, s *Server, _ *Message, _ func(Event)) (any, error) {
	if s.opts.Optimizer == nil {
		return nil, errors.New("performance tracking disabled")
	}
	return s.opts.Optimizer.Report(), nil
}
