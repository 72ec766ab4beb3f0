package perf

import (
	"sync"
	"time"

	"github.com/hapa-ai/hapa/pkg/memory"
)

// DebounceOptions configures Debounce. The trailing edge is on unless
// NoTrailing is set.
type DebounceOptions struct {
	Leading    bool
	NoTrailing bool
	// MaxWait forces an invocation once this long has passed since the
	// first call of a burst. Zero disables it.
	MaxWait time.Duration
	// Key registers the combinator so CancelAll can reach it.
	Key string
}

// Debounced delays calls to a function until they stop arriving.
type Debounced[A, R any] struct {
	o     *Optimizer
	fn    func(A) R
	delay time.Duration
	opts  DebounceOptions

	mu         sync.Mutex
	timer      memory.Handle
	maxTimer   memory.Handle
	gen        uint64
	maxGen     uint64
	lastArg    A
	hasArg     bool
	lastResult R
}

// Debounce wraps fn so that a burst of calls results in one invocation after
// delay of quiet.
func Debounce[A, R any](o *Optimizer, fn func(A) R, delay time.Duration, opts DebounceOptions) *Debounced[A, R] {
	d := &Debounced[A, R]{o: o, fn: fn, delay: delay, opts: opts}
	o.register(opts.Key, d)
	return d
}

func (d *Debounced[A, R]) active() bool {
	return (d.timer != 0 && d.o.mem.Active(d.timer)) ||
		(d.maxTimer != 0 && d.o.mem.Active(d.maxTimer))
}

// Call records a call with arg and returns the result of the latest
// invocation.
func (d *Debounced[A, R]) Call(arg A) R {
	d.mu.Lock()
	quiet := !d.active()
	d.lastArg = arg
	d.hasArg = true

	if d.timer != 0 {
		d.o.mem.ClearTimeout(d.timer)
	}
	d.gen++
	gen := d.gen
	d.timer = d.o.mem.SetTimeout(func() { d.trailingEdge(gen) }, d.delay)

	if quiet && d.opts.MaxWait > 0 {
		d.startMaxWait()
	}
	if quiet && d.opts.Leading {
		d.hasArg = false
		d.mu.Unlock()
		res := d.fn(arg)
		d.mu.Lock()
		d.lastResult = res
	}
	res := d.lastResult
	d.mu.Unlock()
	return res
}

func (d *Debounced[A, R]) startMaxWait() {
	d.maxGen++
	gen := d.maxGen
	d.maxTimer = d.o.mem.SetTimeout(func() { d.maxWaitEdge(gen) }, d.opts.MaxWait)
}

func (d *Debounced[A, R]) trailingEdge(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = 0
	if d.maxTimer != 0 {
		d.o.mem.ClearTimeout(d.maxTimer)
		d.maxTimer = 0
		d.maxGen++
	}
	d.invokeLocked(!d.opts.NoTrailing)
}

func (d *Debounced[A, R]) maxWaitEdge(gen uint64) {
	d.mu.Lock()
	if gen != d.maxGen {
		d.mu.Unlock()
		return
	}
	d.maxTimer = 0
	// Calls keep arriving, so the next forced invocation is a full MaxWait away.
	if d.timer != 0 && d.o.mem.Active(d.timer) {
		d.startMaxWait()
	}
	d.invokeLocked(true)
}

// invokeLocked runs fn with the pending argument, if any, and unlocks d.
func (d *Debounced[A, R]) invokeLocked(allowed bool) {
	if !allowed || !d.hasArg {
		d.hasArg = false
		d.mu.Unlock()
		return
	}
	arg := d.lastArg
	d.hasArg = false
	d.mu.Unlock()

	res := d.fn(arg)

	d.mu.Lock()
	d.lastResult = res
	d.mu.Unlock()
}

// Cancel drops any pending invocation and resets timing state.
func (d *Debounced[A, R]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

func (d *Debounced[A, R]) clearLocked() {
	if d.timer != 0 {
		d.o.mem.ClearTimeout(d.timer)
	}
	if d.maxTimer != 0 {
		d.o.mem.ClearTimeout(d.maxTimer)
	}
	d.timer, d.maxTimer = 0, 0
	d.gen++
	d.maxGen++
	d.hasArg = false
}

// Flush invokes immediately if a call is pending and returns the latest
// result.
func (d *Debounced[A, R]) Flush() R {
	d.mu.Lock()
	pending := d.active() && d.hasArg
	arg := d.lastArg
	d.clearLocked()
	if !pending {
		res := d.lastResult
		d.mu.Unlock()
		return res
	}
	d.mu.Unlock()

	res := d.fn(arg)

	d.mu.Lock()
	d.lastResult = res
	d.mu.Unlock()
	return res
}

// Pending reports whether an invocation is scheduled.
func (d *Debounced[A, R]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active()
}
