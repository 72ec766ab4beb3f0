package memory

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapa-ai/hapa/pkg/errlog"
)

type fakePanel struct {
	mu        sync.Mutex
	onDispose []func()
	disposed  int
	err       error
}

func (p *fakePanel) Dispose() error {
	p.mu.Lock()
	p.disposed++
	hooks := p.onDispose
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return p.err
}

func (p *fakePanel) OnDidDispose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDispose = append(p.onDispose, fn)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *errlog.Recorder) {
	t.Helper()
	rec := &errlog.Recorder{}
	opts.Logger = rec
	m := New(opts)
	t.Cleanup(m.Cleanup)
	return m, rec
}

func TestSetTimeoutFires(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	fired := make(chan struct{})
	m.SetTimeout(func() { close(fired) }, 10*time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Eventually(t, func() bool { return m.Stats().Timers == 0 }, time.Second, 5*time.Millisecond)
}

func TestClearTimeoutIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	var calls atomic.Int32
	h := m.SetTimeout(func() { calls.Add(1) }, 20*time.Millisecond)
	m.ClearTimeout(h)
	m.ClearTimeout(h)
	m.ClearTimeout(Handle(9999))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestTimerPanicIsLogged(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	m.SetTimeout(func() { panic("callback exploded") }, time.Millisecond)

	require.Eventually(t, func() bool { return rec.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, errlog.SeverityHigh, rec.Entries()[0].Severity)

	// The timer ecosystem keeps working after a panic.
	fired := make(chan struct{})
	m.SetTimeout(func() { close(fired) }, time.Millisecond)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer after panic never fired")
	}
}

func TestIntervalRunsUntilCleared(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	var calls atomic.Int32
	h := m.SetInterval(func() { calls.Add(1) }, 5*time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	m.ClearInterval(h)
	m.ClearInterval(h)
	time.Sleep(10 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestCacheNamespacesAndCap(t *testing.T) {
	m, _ := newTestManager(t, Options{CacheMaxEntries: 3})

	m.SetCache("completions", "a", 1)
	m.SetCache("completions", "b", 2)
	m.SetCache("completions", "c", 3)
	m.SetCache("explanations", "a", "other")

	// Reading must not change eviction order.
	v, ok := m.GetCache("completions", "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.SetCache("completions", "d", 4)
	_, ok = m.GetCache("completions", "a")
	assert.False(t, ok, "oldest inserted entry evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := m.GetCache("completions", k)
		assert.True(t, ok, k)
	}

	v, ok = m.GetCache("explanations", "a")
	require.True(t, ok)
	assert.Equal(t, "other", v)

	_, ok = m.GetCache("missing", "a")
	assert.False(t, ok)
}

func TestCacheMaxAge(t *testing.T) {
	m, _ := newTestManager(t, Options{CacheMaxAge: 20 * time.Millisecond})
	m.SetCache("ns", "k", "v")
	_, ok := m.GetCache("ns", "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = m.GetCache("ns", "k")
	assert.False(t, ok)
	assert.Zero(t, m.Stats().CacheEntries)
}

func TestCacheOverwriteIsNewInsertion(t *testing.T) {
	m, _ := newTestManager(t, Options{CacheMaxEntries: 3, CacheMaxAge: 100 * time.Millisecond})

	m.SetCache("ns", "a", 1)
	m.SetCache("ns", "b", 2)
	m.SetCache("ns", "c", 3)
	m.SetCache("ns", "a", 10)
	m.SetCache("ns", "d", 4)

	_, ok := m.GetCache("ns", "b")
	assert.False(t, ok, "b is now the oldest insertion")
	v, ok := m.GetCache("ns", "a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 3, m.Stats().CacheEntries)

	time.Sleep(60 * time.Millisecond)
	m.SetCache("ns", "a", 11)
	time.Sleep(60 * time.Millisecond)
	v, ok = m.GetCache("ns", "a")
	require.True(t, ok, "overwrite restarted the age")
	assert.Equal(t, 11, v)
	_, ok = m.GetCache("ns", "c")
	assert.False(t, ok)
}

func TestEventListenerGroups(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	var disposed []string
	var mu sync.Mutex
	add := func(ns, name string, err error) {
		m.AddEventListener(ns, DisposeFunc(func() error {
			mu.Lock()
			disposed = append(disposed, name)
			mu.Unlock()
			return err
		}))
	}
	add("editor", "selection", nil)
	add("editor", "save", errors.New("already disposed"))
	add("webview", "message", nil)

	m.RemoveEventListeners("editor")
	assert.ElementsMatch(t, []string{"selection", "save"}, disposed)
	assert.Equal(t, 1, rec.Len(), "dispose error logged, not returned")
	assert.Equal(t, 1, m.Stats().ListenerGroups)

	m.RemoveEventListeners("editor")
	assert.Len(t, disposed, 2)
}

func TestWebviewPanels(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	self := &fakePanel{}
	other := &fakePanel{}
	broken := &fakePanel{err: errors.New("host gone")}
	m.RegisterWebviewPanel(self)
	m.RegisterWebviewPanel(other)
	m.RegisterWebviewPanel(broken)
	require.Equal(t, 3, m.Stats().Panels)

	// A panel closed by the user untracks itself.
	require.NoError(t, self.Dispose())
	assert.Equal(t, 2, m.Stats().Panels)

	m.CloseAllWebviewPanels()
	assert.Equal(t, 1, other.disposed)
	assert.Equal(t, 1, broken.disposed)
	assert.Equal(t, 1, self.disposed)
	assert.Zero(t, m.Stats().Panels)
	assert.Equal(t, 1, rec.Len())
}

func TestCleanupCancelsEverything(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	var calls atomic.Int32
	m.SetTimeout(func() { calls.Add(1) }, 20*time.Millisecond)
	m.SetInterval(func() { calls.Add(1) }, 20*time.Millisecond)
	m.SetCache("ns", "k", "v")
	var disposed atomic.Int32
	m.AddEventListener("ns", DisposeFunc(func() error { disposed.Add(1); return nil }))
	panel := &fakePanel{}
	m.RegisterWebviewPanel(panel)
	m.StartMemoryMonitoring(10 * time.Millisecond)

	m.Cleanup()
	m.Cleanup()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load(), "no timer fires after cleanup")
	_, ok := m.GetCache("ns", "k")
	assert.False(t, ok)
	assert.Equal(t, int32(1), disposed.Load())
	assert.Equal(t, 1, panel.disposed)

	s := m.Stats()
	assert.Zero(t, s.Timers)
	assert.Zero(t, s.Intervals)
	assert.Zero(t, s.Panels)
	assert.Zero(t, s.ListenerGroups)
}

func TestMemoryMonitoringWarns(t *testing.T) {
	m, rec := newTestManager(t, Options{HeapWarningBytes: 1})
	m.StartMemoryMonitoring(5 * time.Millisecond)

	require.Eventually(t, func() bool { return rec.Len() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, errlog.SeverityMedium, rec.Entries()[0].Severity)
	assert.NotZero(t, m.Stats().HeapInuse)

	m.StopMemoryMonitoring()
	assert.Zero(t, m.Stats().Intervals)
}

func TestActive(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	h := m.SetTimeout(func() {}, time.Hour)
	iv := m.SetInterval(func() {}, time.Hour)
	assert.True(t, m.Active(h))
	assert.True(t, m.Active(iv))

	m.Cleanup()
	assert.False(t, m.Active(h))
	assert.False(t, m.Active(iv))
}
