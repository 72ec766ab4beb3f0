// Package offline keeps HAPA usable without a network connection. It tracks
// connectivity, queues requests made while offline in a durable priority
// queue and caches backend responses on disk with a TTL.
package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/memory"
	"github.com/hapa-ai/hapa/pkg/models"
	"github.com/hapa-ai/hapa/pkg/telemetry"
)

var (
	// ErrStorage wraps disk failures. They are logged, not returned, except
	// when the storage directory cannot be created.
	ErrStorage = errors.New("offline storage failure")
	// ErrRetriesExhausted is logged when a queued request is dropped.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrQueueFull is returned when a new request does not fit in the queue.
	ErrQueueFull = errors.New("offline queue full")
	// ErrEntryTooLarge is returned when a response exceeds the cache cap.
	ErrEntryTooLarge = errors.New("response larger than cache capacity")
)

// Backend is the subset of the API client used to replay queued requests.
type Backend interface {
	GenerateCode(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
	CompleteCode(ctx context.Context, req models.CompletionRequest) ([]models.Completion, error)
}

// Recorder stores request outcomes.
type Recorder interface {
	Record(ctx context.Context, e models.HistoryEntry) error
}

// NotificationKind classifies a Notification.
type NotificationKind string

const (
	NotifyOnline  NotificationKind = "online"
	NotifyOffline NotificationKind = "offline"
	NotifyDropped NotificationKind = "dropped"
)

// Notification is a user-facing status message.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Message   string           `json:"message"`
	Pending   int              `json:"pending"`
	RequestID string           `json:"requestId,omitempty"`
}

// Notifier shows status messages to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Options configures a Service. Zero values take the defaults.
type Options struct {
	Dir           string
	ProbeURL      string
	ProbeTimeout  time.Duration
	CheckInterval time.Duration
	RetryInterval time.Duration
	MaxQueueSize  int
	MaxCacheBytes int64
	CacheTTL      time.Duration
	BatchSize     int
	MaxRetries    int

	Backend  Backend
	Notifier Notifier
	History  Recorder
	Metrics  *telemetry.Metrics
	Logger   errlog.Logger

	// Probe replaces the HEAD request to ProbeURL.
	Probe      func(ctx context.Context) error
	HTTPClient *http.Client
	Now        func() time.Time
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.OfflineConfig) Options {
	return Options{
		Dir:           cfg.StorageDir,
		ProbeURL:      cfg.ProbeURL,
		ProbeTimeout:  cfg.ProbeTimeout,
		CheckInterval: cfg.CheckInterval,
		RetryInterval: cfg.RetryInterval,
		MaxQueueSize:  cfg.MaxQueueSize,
		MaxCacheBytes: cfg.MaxCacheBytes,
		CacheTTL:      cfg.CacheTTL,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
	}
}

func (o *Options) setDefaults() {
	d := config.Default().Offline
	if o.ProbeURL == "" {
		o.ProbeURL = d.ProbeURL
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = d.CheckInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = d.MaxQueueSize
	}
	if o.MaxCacheBytes <= 0 {
		o.MaxCacheBytes = d.MaxCacheBytes
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type listener struct {
	id uint64
	fn func(online bool)
}

// Service owns the connectivity state, the request queue and the response
// cache. Construct it with New and call Start.
type Service struct {
	mem  *memory.Manager
	opts Options
	log  errlog.Logger

	// ioMu serializes disk writes so files always reflect the latest state.
	ioMu sync.Mutex

	mu         sync.Mutex
	online     bool
	lastCheck  time.Time
	queue      []models.OfflineRequest
	cache      map[string]*models.CachedResponse
	cacheBytes int64
	listeners  []listener
	nextID     uint64
	inFlight   int
	stopped    bool
	poll       memory.Handle
	retry      memory.Handle

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a Service scheduling on mem.
func New(mem *memory.Manager, opts Options) *Service {
	opts.setDefaults()
	if opts.Logger == nil {
		opts.Logger = mem.Logger()
	}
	return &Service{
		mem:    mem,
		opts:   opts,
		log:    opts.Logger,
		online: true,
		cache:  make(map[string]*models.CachedResponse),
	}
}

// Start restores persisted state, starts polling connectivity and runs the
// first probe. It fails only when the storage directory is unusable.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Restore(); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopped = false
	if s.poll != 0 {
		s.mem.ClearInterval(s.poll)
	}
	s.poll = s.mem.SetInterval(func() {
		s.CheckOnlineStatus(context.Background())
	}, s.opts.CheckInterval)
	s.mu.Unlock()

	online := s.CheckOnlineStatus(ctx)
	st := s.GetStatus()
	logrus.WithFields(logrus.Fields{
		"online":  online,
		"pending": st.PendingRequests,
		"cached":  st.CachedResponses,
	}).Info("[OFFLINE] service started")
	return nil
}

// OnOnlineStatusChange registers fn to run on every connectivity transition.
// Dispose the result to unregister.
func (s *Service) OnOnlineStatusChange(fn func(online bool)) memory.Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return memory.DisposeFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
		return nil
	})
}

// IsOnline reports the result of the last probe.
func (s *Service) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// GetStatus returns a snapshot of the service state.
func (s *Service) GetStatus() models.OfflineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.OfflineStatus{
		Online:          s.online,
		LastCheck:       s.lastCheck,
		PendingRequests: len(s.queue),
		CachedResponses: len(s.cache),
		CacheSize:       s.cacheBytes,
	}
}

func (s *Service) notify(n Notification) {
	if s.opts.Notifier == nil {
		return
	}
	errlog.Safe(s.log, "notify", func() { s.opts.Notifier.Notify(n) })
}

func (s *Service) record(ctx context.Context, req models.OfflineRequest, outcome models.Outcome, err error, latency time.Duration) {
	s.opts.Metrics.RequestOutcome(req.Type, outcome)
	if s.opts.History == nil {
		return
	}
	e := models.HistoryEntry{
		RequestID: req.ID,
		Type:      req.Type,
		Priority:  req.Priority,
		Outcome:   outcome,
		Attempts:  req.RetryCount,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: s.opts.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if rerr := s.opts.History.Record(context.WithoutCancel(ctx), e); rerr != nil {
		s.log.LogError(rerr, errlog.SeverityLow, map[string]any{"op": "record history", "request": req.ID})
	}
}

// Cleanup stops polling and pending retries, drops listeners and persists
// the final queue.
func (s *Service) Cleanup() {
	s.mu.Lock()
	s.stopped = true
	poll, retry := s.poll, s.retry
	s.poll, s.retry = 0, 0
	s.listeners = nil
	s.mu.Unlock()

	if poll != 0 {
		s.mem.ClearInterval(poll)
	}
	if retry != 0 {
		s.mem.ClearTimeout(retry)
	}
	s.persistQueue()
	logrus.Debug("[OFFLINE] service stopped")
}
