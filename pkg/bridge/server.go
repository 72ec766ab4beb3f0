// Package bridge serves the editor UI over a line-delimited JSON channel on
// stdio. Requests go through the response cache and fall back to the
// offline queue when the backend cannot be reached.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/memory"
	"github.com/hapa-ai/hapa/pkg/models"
	"github.com/hapa-ai/hapa/pkg/offline"
	"github.com/hapa-ai/hapa/pkg/perf"
)

// Backend is the API client used for live requests.
type Backend interface {
	offline.Backend
	GenerateCodeStream(ctx context.Context, req models.GenerateRequest,
		onChunk func(models.StreamChunk), onComplete func(string), onError func(error)) error
}

// Offline is the offline service used for caching and queueing.
type Offline interface {
	IsOnline() bool
	AddToQueue(p models.Payload, priority models.Priority) (string, error)
	CachedEntry(payload any) (models.CachedResponse, bool)
	CacheExpiry(payload any) (time.Time, bool)
	CacheResponse(payload, response any, ttl time.Duration) error
	GetStatus() models.OfflineStatus
	CacheStats() models.CacheStats
	PendingRequests() []models.OfflineRequest
	ClearCache()
	ClearQueue()
}

// Options configures a Server.
type Options struct {
	Backend   Backend
	Offline   Offline
	Optimizer *perf.Optimizer
	// Memory holds a hot copy of cached responses in front of the disk cache.
	Memory *memory.Manager
	// Streaming allows generate commands to stream chunks.
	Streaming bool
	// Queueing allows failed or offline requests to be queued.
	Queueing bool
	// Caching serves repeated requests from the response cache.
	Caching bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server dispatches bridge messages.
type Server struct {
	opts Options

	writeMu sync.Mutex
	out     io.Writer
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{opts: opts}
}

// Run reads messages from r line by line and writes replies and events to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.out = w
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.out = nil
		s.writeMu.Unlock()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.write(Reply{Error: "parse error"})
			continue
		}

		s.write(s.Handle(ctx, &msg, s.emit))
	}
	return scanner.Err()
}

// Handle runs a single message. Events produced while it runs, such as
// stream chunks, are passed to emit, which may be nil.
func (s *Server) Handle(ctx context.Context, msg *Message, emit func(Event)) Reply {
	h, ok := handlers[msg.Command]
	if !ok {
		return Reply{ID: msg.ID, Error: fmt.Sprintf("unknown command: %s", msg.Command)}
	}
	if emit == nil {
		emit = func(Event) {}
	}
	logrus.WithField("command", msg.Command).Debug("[BRIDGE] dispatch")
	result, err := h(ctx, s, msg, emit)
	if err != nil {
		return Reply{ID: msg.ID, Error: err.Error()}
	}
	return Reply{ID: msg.ID, OK: true, Result: result}
}

// Notify forwards offline notifications to the UI as status events,
// coalesced through the optimizer's batch queue when one is configured.
func (s *Server) Notify(n offline.Notification) {
	ev := Event{Event: EventStatus, Data: n}
	if s.opts.Optimizer == nil {
		s.write(ev)
		return
	}
	s.opts.Optimizer.BatchUpdate(func() { s.write(ev) })
}

func (s *Server) emit(ev Event) { s.write(ev) }

func (s *Server) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("[BRIDGE] marshal error")
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return
	}
	if _, err := s.out.Write(data); err != nil {
		logrus.WithError(err).Error("[BRIDGE] write error")
	}
}
