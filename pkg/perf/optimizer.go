// Package perf provides debounce and throttle combinators, batched updates
// and instrumented execution wrappers. All scheduling goes through a
// memory.Manager so outstanding timers are released by its Cleanup.
package perf

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/memory"
	"github.com/hapa-ai/hapa/pkg/models"
)

// Bottleneck thresholds.
const (
	SlowThreshold      = 100 * time.Millisecond
	MemoryThreshold    = 1024 * 1024
	FrequentThreshold  = 100
	bottleneckListSize = 10
	defaultMaxMetrics  = 1000
)

// Observer receives every measurement, e.g. to export it as a histogram.
type Observer interface {
	ObserveFunction(name string, d time.Duration, err error)
}

// Options configures an Optimizer.
type Options struct {
	Logger     errlog.Logger
	MaxMetrics int
	Observer   Observer
	// Now is the clock used by throttles. Defaults to time.Now.
	Now func() time.Time
}

type canceler interface {
	Cancel()
}

// Optimizer owns the metrics table and the registry of keyed combinators.
type Optimizer struct {
	mem      *memory.Manager
	log      errlog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	metrics *lru.Cache[string, *models.PerformanceMetric]
	keyed   map[string]canceler

	batchMu     sync.Mutex
	batch       []func()
	batchHandle memory.Handle
}

// New creates an Optimizer scheduling on mem.
func New(mem *memory.Manager, opts Options) *Optimizer {
	if opts.Logger == nil {
		opts.Logger = mem.Logger()
	}
	if opts.MaxMetrics <= 0 {
		opts.MaxMetrics = defaultMaxMetrics
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// Only fails for a non-positive size.
	metrics, _ := lru.New[string, *models.PerformanceMetric](opts.MaxMetrics)
	return &Optimizer{
		mem:      mem,
		log:      opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		metrics:  metrics,
		keyed:    make(map[string]canceler),
	}
}

func (o *Optimizer) register(key string, c canceler) {
	if key == "" {
		return
	}
	o.mu.Lock()
	prev := o.keyed[key]
	o.keyed[key] = c
	o.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
}

// Cancel cancels the combinator registered under key.
func (o *Optimizer) Cancel(key string) {
	o.mu.Lock()
	c := o.keyed[key]
	delete(o.keyed, key)
	o.mu.Unlock()
	if c != nil {
		c.Cancel()
	}
}

// CancelAll cancels every keyed combinator.
func (o *Optimizer) CancelAll() {
	o.mu.Lock()
	all := o.keyed
	o.keyed = make(map[string]canceler)
	o.mu.Unlock()
	for _, c := range all {
		c.Cancel()
	}
}

// BatchUpdate queues fn to run on the next zero-delay tick. Calls made before
// the tick coalesce into one drain, executed in call order.
func (o *Optimizer) BatchUpdate(fn func()) {
	if fn == nil {
		return
	}
	o.batchMu.Lock()
	defer o.batchMu.Unlock()
	o.batch = append(o.batch, fn)
	if o.batchHandle != 0 && o.mem.Active(o.batchHandle) {
		return
	}
	o.batchHandle = o.mem.SetTimeout(o.drainBatch, 0)
}

func (o *Optimizer) drainBatch() {
	o.batchMu.Lock()
	queue := o.batch
	o.batch = nil
	o.batchHandle = 0
	o.batchMu.Unlock()

	for _, fn := range queue {
		errlog.Safe(o.log, "batch update", fn)
	}
}

// Measure runs fn and records its wall-clock time and heap delta under name.
// A failure is recorded with zero memory delta, logged and returned as is.
func (o *Optimizer) Measure(name string, fn func() error, fields map[string]any) error {
	return o.MeasureContext(context.Background(), name, func(context.Context) error { return fn() }, fields)
}

// MeasureContext is Measure for functions taking a context.
func (o *Optimizer) MeasureContext(ctx context.Context, name string, fn func(context.Context) error, fields map[string]any) error {
	before := heapAlloc()
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		o.record(name, elapsed, 0, true)
		f := map[string]any{"op": "measure", "function": name}
		for k, v := range fields {
			f[k] = v
		}
		o.log.LogError(err, errlog.SeverityHigh, f)
	} else {
		o.record(name, elapsed, int64(heapAlloc())-int64(before), false)
	}
	if o.observer != nil {
		o.observer.ObserveFunction(name, elapsed, err)
	}
	return err
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (o *Optimizer) record(name string, d time.Duration, mem int64, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.metrics.Get(name)
	if !ok {
		m = &models.PerformanceMetric{FunctionName: name}
	}
	m.CallCount++
	m.TotalTime += d
	m.TotalMemory += mem
	m.ExecutionTime = m.TotalTime / time.Duration(m.CallCount)
	m.MemoryUsage = m.TotalMemory / m.CallCount
	m.LastCalled = o.now()
	if failed {
		m.Errors++
	}
	o.metrics.Add(name, m)
}

// Metrics returns a copy of every recorded metric, most recent first.
func (o *Optimizer) Metrics() []models.PerformanceMetric {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := o.metrics.Keys()
	out := make([]models.PerformanceMetric, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if m, ok := o.metrics.Peek(keys[i]); ok {
			out = append(out, *m)
		}
	}
	return out
}

// Metric returns the metric recorded under name.
func (o *Optimizer) Metric(name string) (models.PerformanceMetric, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metrics.Peek(name)
	if !ok {
		return models.PerformanceMetric{}, false
	}
	return *m, true
}

// ResetMetrics empties the metrics table.
func (o *Optimizer) ResetMetrics() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.Purge()
}

// AnalyzeBottlenecks returns the top offenders for execution time, memory
// delta and call frequency.
func (o *Optimizer) AnalyzeBottlenecks() models.Bottlenecks {
	all := o.Metrics()
	pick := func(keep func(models.PerformanceMetric) bool, less func(a, b models.PerformanceMetric) bool) []models.PerformanceMetric {
		var out []models.PerformanceMetric
		for _, m := range all {
			if keep(m) {
				out = append(out, m)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
		if len(out) > bottleneckListSize {
			out = out[:bottleneckListSize]
		}
		return out
	}
	return models.Bottlenecks{
		SlowFunctions: pick(
			func(m models.PerformanceMetric) bool { return m.ExecutionTime > SlowThreshold },
			func(a, b models.PerformanceMetric) bool { return a.ExecutionTime > b.ExecutionTime },
		),
		MemoryIntensive: pick(
			func(m models.PerformanceMetric) bool { return m.MemoryUsage > MemoryThreshold },
			func(a, b models.PerformanceMetric) bool { return a.MemoryUsage > b.MemoryUsage },
		),
		FrequentlyCalled: pick(
			func(m models.PerformanceMetric) bool { return m.CallCount > FrequentThreshold },
			func(a, b models.PerformanceMetric) bool { return a.CallCount > b.CallCount },
		),
	}
}

// Report bundles metrics, bottlenecks and memory manager state.
type Report struct {
	GeneratedAt time.Time                  `json:"generatedAt"`
	Metrics     []models.PerformanceMetric `json:"metrics"`
	Bottlenecks models.Bottlenecks         `json:"bottlenecks"`
	Memory      memory.Stats               `json:"memory"`
}

// Report returns a snapshot suitable for display.
func (o *Optimizer) Report() Report {
	return Report{
		GeneratedAt: o.now(),
		Metrics:     o.Metrics(),
		Bottlenecks: o.AnalyzeBottlenecks(),
		Memory:      o.mem.Stats(),
	}
}

// Cleanup cancels keyed combinators and drops queued batch updates.
func (o *Optimizer) Cleanup() {
	o.CancelAll()
	o.batchMu.Lock()
	h := o.batchHandle
	o.batch = nil
	o.batchHandle = 0
	o.batchMu.Unlock()
	if h != 0 {
		o.mem.ClearTimeout(h)
	}
}
