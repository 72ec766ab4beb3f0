package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/models"
)

const analysisTask = "analysis"

var errDispatchPanic = errors.New("dispatch panicked")

// AddToQueue validates p and queues it behind every request of the same or
// higher priority. When the queue exceeds its cap the lowest priority tail
// is dropped; ErrQueueFull is returned if that includes the new request.
func (s *Service) AddToQueue(p models.Payload, priority models.Priority) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil payload", models.ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	priority, err = models.ParsePriority(string(priority))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	req := models.OfflineRequest{
		ID:        uuid.NewString(),
		Type:      p.Kind(),
		Payload:   raw,
		Timestamp: s.opts.Now(),
		Priority:  priority,
	}

	s.mu.Lock()
	s.queue = insertByPriority(s.queue, req)
	// Requests being dispatched still count toward the cap.
	limit := max(s.opts.MaxQueueSize-s.inFlight, 0)
	var dropped []models.OfflineRequest
	if len(s.queue) > limit {
		dropped = append(dropped, s.queue[limit:]...)
		s.queue = s.queue[:limit:limit]
	}
	pending := len(s.queue)
	s.mu.Unlock()

	s.opts.Metrics.SetQueueLength(pending)
	s.persistQueue()

	ctx := context.Background()
	s.record(ctx, req, models.OutcomeQueued, nil, 0)
	selfDropped := false
	for _, d := range dropped {
		if d.ID == req.ID {
			selfDropped = true
		}
		s.log.LogError(ErrQueueFull, errlog.SeverityMedium, map[string]any{
			"op":      "add to queue",
			"request": d.ID,
			"type":    string(d.Type),
		})
		s.record(ctx, d, models.OutcomeDropped, ErrQueueFull, 0)
	}
	if selfDropped {
		return req.ID, ErrQueueFull
	}

	logrus.WithFields(logrus.Fields{
		"request":  req.ID,
		"type":     req.Type,
		"priority": req.Priority,
		"pending":  pending,
	}).Debug("[OFFLINE] request queued")
	return req.ID, nil
}

// insertByPriority inserts req after the last entry of equal or higher
// priority.
func insertByPriority(q []models.OfflineRequest, req models.OfflineRequest) []models.OfflineRequest {
	rank := req.Priority.Rank()
	i := sort.Search(len(q), func(i int) bool { return q[i].Priority.Rank() > rank })
	q = append(q, models.OfflineRequest{})
	copy(q[i+1:], q[i:])
	q[i] = req
	return q
}

// PendingRequests returns a copy of the queue in processing order.
func (s *Service) PendingRequests() []models.OfflineRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OfflineRequest, len(s.queue))
	copy(out, s.queue)
	return out
}

// ClearQueue drops every queued request and removes the queue file.
func (s *Service) ClearQueue() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.opts.Metrics.SetQueueLength(0)
	s.removeFile(queueFile)
	logrus.WithField("cleared", n).Info("[OFFLINE] queue cleared")
}

// ProcessPendingQueue dispatches one batch from the head of the queue. It
// does nothing while offline or while another drain is running. Failed
// requests go back to the front until they exhaust their retries. If work
// remains another batch is scheduled after the retry interval.
func (s *Service) ProcessPendingQueue(ctx context.Context) {
	s.mu.Lock()
	if !s.online || s.inFlight > 0 || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	n := min(s.opts.BatchSize, len(s.queue))
	batch := make([]models.OfflineRequest, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	s.inFlight = n
	s.mu.Unlock()

	var requeue []models.OfflineRequest
	done := 0
	// Requests not yet handled go back to the queue even if the loop panics.
	defer func() {
		s.finishBatch(ctx, append(requeue, batch[done:]...), len(batch))
	}()

	for _, req := range batch {
		start := s.opts.Now()
		var err error
		if !errlog.Safe(s.log, "dispatch queued request", func() { err = s.dispatch(ctx, req) }) {
			err = errDispatchPanic
		}
		latency := s.opts.Now().Sub(start)

		switch {
		case err == nil:
			req.RetryCount++
			s.record(ctx, req, models.OutcomeSucceeded, nil, latency)
		case ctx.Err() != nil:
			// Shutting down; the attempt does not count.
			requeue = append(requeue, req)
		case errors.Is(err, models.ErrInvalidPayload):
			s.drop(ctx, req, err, latency)
		default:
			req.RetryCount++
			req.LastError = err.Error()
			if req.RetryCount < s.opts.MaxRetries {
				s.log.LogError(err, errlog.SeverityLow, map[string]any{
					"op":      "dispatch queued request",
					"request": req.ID,
					"attempt": req.RetryCount,
				})
				s.record(ctx, req, models.OutcomeRetried, err, latency)
				requeue = append(requeue, req)
			} else {
				s.drop(ctx, req, err, latency)
			}
		}
		done++
	}
}

// finishBatch puts requeue back at the front of the queue, ends the drain
// and schedules the next batch.
func (s *Service) finishBatch(ctx context.Context, requeue []models.OfflineRequest, processed int) {
	s.mu.Lock()
	s.queue = append(requeue, s.queue...)
	s.inFlight = 0
	remaining := len(s.queue)
	reschedule := remaining > 0 && s.online && !s.stopped && ctx.Err() == nil
	if reschedule {
		if s.retry != 0 {
			s.mem.ClearTimeout(s.retry)
		}
		s.retry = s.mem.SetTimeout(func() {
			s.ProcessPendingQueue(context.Background())
		}, s.opts.RetryInterval)
	}
	s.mu.Unlock()

	s.opts.Metrics.SetQueueLength(remaining)
	s.persistQueue()
	logrus.WithFields(logrus.Fields{
		"processed": processed,
		"requeued":  len(requeue),
		"remaining": remaining,
	}).Debug("[OFFLINE] queue batch processed")
}

func (s *Service) drop(ctx context.Context, req models.OfflineRequest, cause error, latency time.Duration) {
	err := fmt.Errorf("%w: request %s after %d attempt(s): %v", ErrRetriesExhausted, req.ID, req.RetryCount, cause)
	s.log.LogError(err, errlog.SeverityHigh, map[string]any{
		"op":       "dispatch queued request",
		"request":  req.ID,
		"type":     string(req.Type),
		"attempts": req.RetryCount,
	})
	s.record(ctx, req, models.OutcomeDropped, cause, latency)

	s.mu.Lock()
	pending := len(s.queue)
	s.mu.Unlock()
	s.notify(Notification{
		Kind:      NotifyDropped,
		RequestID: req.ID,
		Pending:   pending,
		Message:   fmt.Sprintf("A queued %s request could not be completed and was dropped.", req.Type),
	})
}

// dispatch replays req against the backend and caches the response.
func (s *Service) dispatch(ctx context.Context, req models.OfflineRequest) error {
	if s.opts.Backend == nil {
		return errors.New("no backend configured")
	}
	p, err := req.Decode()
	if err != nil {
		return err
	}

	var resp any
	switch v := p.(type) {
	case models.CompletionPayload:
		resp, err = s.opts.Backend.CompleteCode(ctx, CompletionRequest(v))
	case models.AnalysisPayload:
		resp, err = s.opts.Backend.GenerateCode(ctx, AnalysisRequest(v))
	case models.GenerationPayload:
		resp, err = s.opts.Backend.GenerateCode(ctx, GenerationRequest(v))
	default:
		return fmt.Errorf("%w: unsupported payload %T", models.ErrInvalidPayload, p)
	}
	if err != nil {
		return err
	}
	if err := s.CacheResponse(RequestKey(p), resp, 0); err != nil {
		s.log.LogError(err, errlog.SeverityLow, map[string]any{"op": "cache response", "request": req.ID})
	}
	return nil
}

// CompletionRequest builds the backend request for a completion payload.
func CompletionRequest(p models.CompletionPayload) models.CompletionRequest {
	return models.CompletionRequest{
		Code:           p.Code,
		Language:       p.Language,
		CursorLine:     p.CursorLine,
		CursorColumn:   p.CursorColumn,
		FilePath:       p.FilePath,
		MaxSuggestions: p.MaxSuggestions,
	}
}

// AnalysisRequest builds the backend request for an analysis payload.
func AnalysisRequest(p models.AnalysisPayload) models.GenerateRequest {
	prompt := strings.TrimSpace(p.Question)
	if prompt == "" {
		prompt = "Explain what this code does."
	}
	return models.GenerateRequest{
		Prompt:   prompt,
		Language: p.Language,
		Context:  p.Code,
		FilePath: p.FilePath,
		Task:     analysisTask,
	}
}

// GenerationRequest builds the backend request for a generation payload.
func GenerationRequest(p models.GenerationPayload) models.GenerateRequest {
	return models.GenerateRequest{
		Prompt:      p.Prompt,
		Language:    p.Language,
		Context:     p.Context,
		FilePath:    p.FilePath,
		MaxLength:   p.MaxLength,
		Temperature: p.Temperature,
	}
}
