// Package memory owns every timer, interval, listener group, panel and
// namespaced cache created by the extension so that a single Cleanup call
// releases all of them.
package memory

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/errlog"
)

// Handle identifies a scheduled timeout or interval.
type Handle uint64

// Disposable is anything holding resources that must be released, such as
// an editor event subscription.
type Disposable interface {
	Dispose() error
}

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func() error

func (f DisposeFunc) Dispose() error { return f() }

// Panel is a webview panel hosted by the editor.
type Panel interface {
	Dispose() error
	// OnDidDispose registers fn to run when the panel is closed by any party.
	OnDidDispose(fn func())
}

// Options configures a Manager.
type Options struct {
	Logger           errlog.Logger
	CacheMaxAge      time.Duration
	CacheMaxEntries  int
	HeapWarningBytes uint64
}

const (
	defaultCacheMaxAge     = 30 * time.Minute
	defaultCacheMaxEntries = 100
	defaultHeapWarning     = 200 * 1024 * 1024
)

type interval struct {
	stop chan struct{}
	once sync.Once
}

func (i *interval) halt() {
	i.once.Do(func() { close(i.stop) })
}

// Manager is the lifecycle registry. The zero value is not usable; call New.
type Manager struct {
	log  errlog.Logger
	opts Options

	mu        sync.Mutex
	nextID    uint64
	timers    map[Handle]*time.Timer
	intervals map[Handle]*interval
	caches    map[string]*expirable.LRU[string, any]
	listeners map[string][]Disposable
	panels    map[uint64]Panel
	monitor   Handle

	memMu    sync.Mutex
	lastHeap uint64
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = errlog.Nop()
	}
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = defaultCacheMaxAge
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = defaultCacheMaxEntries
	}
	if opts.HeapWarningBytes == 0 {
		opts.HeapWarningBytes = defaultHeapWarning
	}
	return &Manager{
		log:       opts.Logger,
		opts:      opts,
		timers:    make(map[Handle]*time.Timer),
		intervals: make(map[Handle]*interval),
		caches:    make(map[string]*expirable.LRU[string, any]),
		listeners: make(map[string][]Disposable),
		panels:    make(map[uint64]Panel),
	}
}

// Logger returns the error logger shared with dependents.
func (m *Manager) Logger() errlog.Logger { return m.log }

// SetTimeout runs cb once after delay. A panic in cb is logged, never
// propagated.
func (m *Manager) SetTimeout(cb func(), delay time.Duration) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	h := Handle(m.nextID)
	m.timers[h] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		_, live := m.timers[h]
		delete(m.timers, h)
		m.mu.Unlock()
		if !live {
			return
		}
		errlog.Safe(m.log, "timeout callback", cb)
	})
	return h
}

// ClearTimeout cancels a pending timeout. Unknown handles are ignored.
func (m *Manager) ClearTimeout(h Handle) {
	m.mu.Lock()
	t, ok := m.timers[h]
	delete(m.timers, h)
	m.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// SetInterval runs cb every period until cleared.
func (m *Manager) SetInterval(cb func(), period time.Duration) Handle {
	if period <= 0 {
		period = time.Millisecond
	}
	iv := &interval{stop: make(chan struct{})}

	m.mu.Lock()
	m.nextID++
	h := Handle(m.nextID)
	m.intervals[h] = iv
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-iv.stop:
				return
			case <-ticker.C:
				select {
				case <-iv.stop:
					return
				default:
				}
				errlog.Safe(m.log, "interval callback", cb)
			}
		}
	}()
	return h
}

// ClearInterval stops an interval. Unknown handles are ignored.
func (m *Manager) ClearInterval(h Handle) {
	m.mu.Lock()
	iv, ok := m.intervals[h]
	delete(m.intervals, h)
	m.mu.Unlock()
	if ok {
		iv.halt()
	}
}

// Active reports whether h is a timeout that has not fired or been cleared,
// or an interval that is still running.
func (m *Manager) Active(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[h]; ok {
		return true
	}
	_, ok := m.intervals[h]
	return ok
}

func (m *Manager) namespace(ns string, create bool) *expirable.LRU[string, any] {
	c, ok := m.caches[ns]
	if !ok && create {
		c = expirable.NewLRU[string, any](m.opts.CacheMaxEntries, nil, m.opts.CacheMaxAge)
		m.caches[ns] = c
	}
	return c
}

// SetCache stores value under key in namespace ns. When the namespace is
// full the oldest inserted entry is evicted. Overwriting a key counts as a
// new insertion: the entry becomes the newest and its age restarts.
func (m *Manager) SetCache(ns, key string, value any) {
	m.mu.Lock()
	c := m.namespace(ns, true)
	m.mu.Unlock()
	if _, ok := c.Peek(key); ok {
		c.Remove(key)
	}
	c.Add(key, value)
}

// GetCache returns the value for key in namespace ns. Entries older than the
// configured max age are removed and reported missing.
func (m *Manager) GetCache(ns, key string) (any, bool) {
	m.mu.Lock()
	c := m.namespace(ns, false)
	m.mu.Unlock()
	if c == nil {
		return nil, false
	}
	// Peek keeps eviction in insertion order.
	v, ok := c.Peek(key)
	if !ok {
		c.Remove(key)
		return nil, false
	}
	return v, true
}

// ClearCache removes every entry of namespace ns.
func (m *Manager) ClearCache(ns string) {
	m.mu.Lock()
	c := m.namespace(ns, false)
	m.mu.Unlock()
	if c != nil {
		c.Purge()
	}
}

// AddEventListener records d under namespace ns so the group can be
// disposed together.
func (m *Manager) AddEventListener(ns string, d Disposable) {
	if d == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[ns] = append(m.listeners[ns], d)
}

// RemoveEventListeners disposes every listener in namespace ns. Dispose
// errors are logged.
func (m *Manager) RemoveEventListeners(ns string) {
	m.mu.Lock()
	group := m.listeners[ns]
	delete(m.listeners, ns)
	m.mu.Unlock()
	m.disposeAll(ns, group)
}

func (m *Manager) disposeAll(ns string, group []Disposable) {
	for _, d := range group {
		var err error
		errlog.Safe(m.log, "dispose listener", func() { err = d.Dispose() })
		if err != nil {
			m.log.LogError(err, errlog.SeverityMedium, map[string]any{
				"op":        "dispose listener",
				"namespace": ns,
			})
		}
	}
}

// RegisterWebviewPanel tracks p until it is disposed.
func (m *Manager) RegisterWebviewPanel(p Panel) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.panels[id] = p
	m.mu.Unlock()

	p.OnDidDispose(func() {
		m.mu.Lock()
		delete(m.panels, id)
		m.mu.Unlock()
	})
}

// CloseAllWebviewPanels disposes every tracked panel, logging failures.
func (m *Manager) CloseAllWebviewPanels() {
	m.mu.Lock()
	panels := make([]Panel, 0, len(m.panels))
	for id, p := range m.panels {
		panels = append(panels, p)
		delete(m.panels, id)
	}
	m.mu.Unlock()

	for _, p := range panels {
		var err error
		errlog.Safe(m.log, "close panel", func() { err = p.Dispose() })
		if err != nil {
			m.log.LogError(err, errlog.SeverityMedium, map[string]any{"op": "close panel"})
		}
	}
}

// StartMemoryMonitoring samples heap usage every period, warning and
// requesting garbage collection when it exceeds the configured threshold.
// Calling it again replaces the previous monitor.
func (m *Manager) StartMemoryMonitoring(period time.Duration) {
	h := m.SetInterval(m.checkMemory, period)
	m.mu.Lock()
	prev := m.monitor
	m.monitor = h
	m.mu.Unlock()
	if prev != 0 {
		m.ClearInterval(prev)
	}
}

// StopMemoryMonitoring stops the periodic heap check.
func (m *Manager) StopMemoryMonitoring() {
	m.mu.Lock()
	h := m.monitor
	m.monitor = 0
	m.mu.Unlock()
	if h != 0 {
		m.ClearInterval(h)
	}
}

var errHeapHigh = errors.New("heap usage above warning threshold")

func (m *Manager) checkMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.memMu.Lock()
	m.lastHeap = ms.HeapInuse
	m.memMu.Unlock()

	if ms.HeapInuse <= m.opts.HeapWarningBytes {
		return
	}
	m.log.LogError(errHeapHigh, errlog.SeverityMedium, map[string]any{
		"op":         "memory check",
		"heap_inuse": ms.HeapInuse,
		"threshold":  m.opts.HeapWarningBytes,
	})
	runtime.GC()
}

// Stats describes what the manager currently tracks.
type Stats struct {
	Timers         int    `json:"timers"`
	Intervals      int    `json:"intervals"`
	ListenerGroups int    `json:"listenerGroups"`
	Listeners      int    `json:"listeners"`
	Panels         int    `json:"panels"`
	CacheEntries   int    `json:"cacheEntries"`
	HeapInuse      uint64 `json:"heapInuse"`
}

// Stats returns counts of tracked resources.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Timers:         len(m.timers),
		Intervals:      len(m.intervals),
		ListenerGroups: len(m.listeners),
		Panels:         len(m.panels),
	}
	for _, g := range m.listeners {
		s.Listeners += len(g)
	}
	caches := make([]*expirable.LRU[string, any], 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	for _, c := range caches {
		s.CacheEntries += c.Len()
	}
	m.memMu.Lock()
	s.HeapInuse = m.lastHeap
	m.memMu.Unlock()
	return s
}

// Cleanup releases everything the manager tracks. It is safe to call more
// than once and the manager stays usable afterwards.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	timers := m.timers
	intervals := m.intervals
	listeners := m.listeners
	m.timers = make(map[Handle]*time.Timer)
	m.intervals = make(map[Handle]*interval)
	m.listeners = make(map[string][]Disposable)
	m.monitor = 0
	caches := make([]*expirable.LRU[string, any], 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, iv := range intervals {
		iv.halt()
	}
	for ns, group := range listeners {
		m.disposeAll(ns, group)
	}
	m.CloseAllWebviewPanels()
	// Namespaces are kept and purged so their expiry goroutines are reused.
	for _, c := range caches {
		c.Purge()
	}

	errlog.Safe(m.log, "garbage collection", func() {
		runtime.GC()
		debug.FreeOSMemory()
	})
	logrus.WithFields(logrus.Fields{
		"timers":    len(timers),
		"intervals": len(intervals),
	}).Debug("[MEMORY] cleanup complete")
}
