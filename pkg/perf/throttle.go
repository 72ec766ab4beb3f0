package perf

import (
	"sync"
	"time"

	"github.com/hapa-ai/hapa/pkg/memory"
)

// ThrottleOptions configures Throttle. Both edges are on unless disabled.
type ThrottleOptions struct {
	NoLeading  bool
	NoTrailing bool
	Key        string
}

// Throttled invokes a function at most once per wait interval.
type Throttled[A, R any] struct {
	o    *Optimizer
	fn   func(A) R
	wait time.Duration
	opts ThrottleOptions

	mu         sync.Mutex
	lastInvoke time.Time
	timer      memory.Handle
	gen        uint64
	lastArg    A
	hasArg     bool
	lastResult R
}

// Throttle wraps fn so that it runs at most once every wait. A call inside
// the gate schedules one trailing invocation at the end of the gate with the
// latest argument.
func Throttle[A, R any](o *Optimizer, fn func(A) R, wait time.Duration, opts ThrottleOptions) *Throttled[A, R] {
	t := &Throttled[A, R]{o: o, fn: fn, wait: wait, opts: opts}
	o.register(opts.Key, t)
	return t
}

func (t *Throttled[A, R]) scheduled() bool {
	return t.timer != 0 && t.o.mem.Active(t.timer)
}

// Call records a call with arg and returns the result of the latest
// invocation.
func (t *Throttled[A, R]) Call(arg A) R {
	now := t.o.now()
	t.mu.Lock()
	t.lastArg = arg
	t.hasArg = true

	open := t.lastInvoke.IsZero() || now.Sub(t.lastInvoke) >= t.wait
	switch {
	case open && !t.opts.NoLeading:
		t.cancelTimerLocked()
		t.lastInvoke = now
		t.hasArg = false
		t.mu.Unlock()
		res := t.fn(arg)
		t.mu.Lock()
		t.lastResult = res
	case t.opts.NoTrailing || t.scheduled():
	case open:
		// Without a leading edge the gate starts at the first call.
		t.lastInvoke = now
		t.scheduleLocked(t.wait)
	default:
		t.scheduleLocked(t.lastInvoke.Add(t.wait).Sub(now))
	}
	res := t.lastResult
	t.mu.Unlock()
	return res
}

func (t *Throttled[A, R]) scheduleLocked(delay time.Duration) {
	t.gen++
	gen := t.gen
	t.timer = t.o.mem.SetTimeout(func() { t.trailingEdge(gen) }, delay)
}

func (t *Throttled[A, R]) cancelTimerLocked() {
	if t.timer != 0 {
		t.o.mem.ClearTimeout(t.timer)
		t.timer = 0
	}
	t.gen++
}

func (t *Throttled[A, R]) trailingEdge(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.hasArg {
		t.mu.Unlock()
		return
	}
	t.timer = 0
	arg := t.lastArg
	t.hasArg = false
	t.lastInvoke = t.o.now()
	t.mu.Unlock()

	res := t.fn(arg)

	t.mu.Lock()
	t.lastResult = res
	t.mu.Unlock()
}

// Cancel drops a scheduled trailing invocation and reopens the gate.
func (t *Throttled[A, R]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTimerLocked()
	t.hasArg = false
	t.lastInvoke = time.Time{}
}

// Flush runs a scheduled trailing invocation now and returns the latest
// result.
func (t *Throttled[A, R]) Flush() R {
	t.mu.Lock()
	pending := t.scheduled() && t.hasArg
	arg := t.lastArg
	t.cancelTimerLocked()
	if !pending {
		res := t.lastResult
		t.mu.Unlock()
		return res
	}
	t.hasArg = false
	t.lastInvoke = t.o.now()
	t.mu.Unlock()

	res := t.fn(arg)

	t.mu.Lock()
	t.lastResult = res
	t.mu.Unlock()
	return res
}

// Pending reports whether a trailing invocation is scheduled.
func (t *Throttled[A, R]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled()
}
