// Package dispatcher implements the bounded in-flight request pool
// described as the Base Dispatcher: a fixed-size worker pool driven by
// a pluggable pop/grow strategy, with processed/in-flight/remaining
// counters kept under one mutex. Polite per-domain scheduling is layered
// on top by internal/scheduler, which overrides Pop and Grow rather than
// subclassing — Go has no inheritance, so the template-method shape
// becomes two injected function values.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/afcarl/downpour/internal/observability"
	"github.com/afcarl/downpour/internal/request"
	"github.com/afcarl/downpour/internal/servicer"
)

// Config controls pool sizing and the periodic growth tick.
type Config struct {
	PoolSize     int
	GrowPeriod   time.Duration
	StopWhenDone bool
	Agent        string
}

// Dispatcher is the base worker pool. Construct one with New, then
// optionally override its pop/grow strategy with SetPopper/SetGrower
// before calling Start.
type Dispatcher struct {
	cfg Config

	mu        sync.Mutex
	inFlight  int
	processed int
	remaining int
	queue     []*request.Request // default FIFO, used only absent SetPopper

	pop  func() *request.Request
	grow func(upto int) int

	growTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
	done      chan struct{}

	servicer *servicer.Servicer
	logger   *slog.Logger
	metrics  *observability.Metrics

	OnSuccess func(req *request.Request)
	OnError   func(req *request.Request, err error)
	OnDone    func(req *request.Request)
}

// New builds a Dispatcher. Its default pop pulls from an internal FIFO
// that Push/Extend populate and its default grow does nothing; call
// SetPopper/SetGrower to replace them with scheduler semantics.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.GrowPeriod <= 0 {
		cfg.GrowPeriod = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		servicer: servicer.New(logger),
		logger:   logger.With("component", "dispatcher"),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
	d.pop = d.defaultPop
	d.grow = func(int) int { return 0 }
	return d
}

// SetPopper overrides how the dispatcher finds the next request to
// dispatch. A nil return means nothing is ready right now.
func (d *Dispatcher) SetPopper(pop func() *request.Request) { d.pop = pop }

// SetGrower overrides the periodic top-up called from the growth timer
// and from Pop implementations that lazily replenish (see
// internal/scheduler). upto bounds how many items to pull; it returns
// how many were actually pulled.
func (d *Dispatcher) SetGrower(grow func(upto int) int) { d.grow = grow }

func (d *Dispatcher) PoolSize() int { return d.cfg.PoolSize }
func (d *Dispatcher) Agent() string { return d.cfg.Agent }

// Stats implements request.Fetcher.
func (d *Dispatcher) Stats() (inFlight, processed, remaining int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight, d.processed, d.remaining
}

// AddRemaining lets an overriding Push (e.g. scheduler.Scheduler.Push)
// account for work it queued itself, bypassing the default FIFO.
func (d *Dispatcher) AddRemaining(n int) {
	d.mu.Lock()
	d.remaining += n
	d.mu.Unlock()
}

// Start begins serving: arms the growth timer and runs one serve pass
// immediately in case work was pushed before Start was called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.resetGrowTimer()
	d.serveNext()
}

// Stop cancels the dispatcher's context and growth timer and closes
// Done right away. Cancelling the context aborts in-flight transfers,
// which still run their error and done hooks afterwards.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Lock()
		if d.growTimer != nil {
			d.growTimer.Stop()
		}
		d.mu.Unlock()
		close(d.done)
	})
}

// Done reports when Stop has run (not when all in-flight work drains —
// use StopWhenDone for that).
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Kick re-evaluates whether more work can be dispatched right now. The
// scheduler calls this after Push and when a wake timer fires.
func (d *Dispatcher) Kick() { d.serveNext() }

// ResetGrowTimer defers the next periodic grow tick, matching the base
// dispatcher's "push/extend reset the growth timer" rule.
func (d *Dispatcher) ResetGrowTimer() { d.resetGrowTimer() }

func (d *Dispatcher) resetGrowTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.growTimer != nil {
		d.growTimer.Stop()
	}
	d.growTimer = time.AfterFunc(d.cfg.GrowPeriod, d.onGrowTick)
}

func (d *Dispatcher) onGrowTick() {
	d.mu.Lock()
	avail := d.cfg.PoolSize - d.inFlight
	d.mu.Unlock()
	if avail > 0 && d.grow != nil {
		n := d.grow(avail)
		if n > 0 {
			d.logger.Debug("grow tick pulled requests", "count", n)
		}
	}
	d.resetGrowTimer()
	d.serveNext()
}

// Push appends req to the default internal FIFO. Only meaningful when
// no SetPopper override is installed; internal/scheduler implements its
// own Push and never calls this.
func (d *Dispatcher) Push(req *request.Request) int {
	d.mu.Lock()
	d.queue = append(d.queue, req)
	d.remaining++
	d.mu.Unlock()
	d.resetGrowTimer()
	d.serveNext()
	return 1
}

// Extend pushes each request in order, per spec's "extend performs push
// serially" rule.
func (d *Dispatcher) Extend(reqs []*request.Request) int {
	n := 0
	for _, r := range reqs {
		n += d.Push(r)
	}
	return n
}

// defaultPop is called by serveNext with d.mu already held.
func (d *Dispatcher) defaultPop() *request.Request {
	if len(d.queue) == 0 {
		return nil
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r
}

// serveNext pops as many ready requests as the pool has room for and
// dispatches each on its own goroutine. The pop call itself happens
// under the counters mutex (matching the base dispatcher's serveNext
// pseudocode); the actual network transaction runs outside it. Before
// Start has been called it dispatches nothing.
func (d *Dispatcher) serveNext() {
	for {
		d.mu.Lock()
		if d.ctx == nil || d.inFlight >= d.cfg.PoolSize {
			d.mu.Unlock()
			return
		}
		req := d.pop()
		if req == nil {
			d.mu.Unlock()
			return
		}
		d.inFlight++
		inFlight, remaining := d.inFlight, d.remaining
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.Observe(inFlight, remaining)
		}
		go d.dispatchOne(req)
	}
}

func (d *Dispatcher) dispatchOne(req *request.Request) {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := d.servicer.Do(reqCtx, req, d.cfg.Agent, d)

	if err != nil {
		d.safeCall("onError", func() {
			if req.OnError != nil {
				req.OnError(err, d)
			}
		})
		d.safeCall("dispatcher.onError", func() {
			if d.OnError != nil {
				d.OnError(req, err)
			}
		})
	} else {
		d.safeCall("onSuccess", func() {
			if req.OnSuccess != nil {
				req.OnSuccess(body, d)
			}
		})
		d.safeCall("dispatcher.onSuccess", func() {
			if d.OnSuccess != nil {
				d.OnSuccess(req)
			}
		})
	}

	d.safeCall("onDone", func() {
		if req.OnDone != nil {
			req.OnDone(d)
		}
	})

	d.complete(req)
}

// complete runs the dispatcher's own _done step: counters update under
// the mutex, then the dispatcher-level onDone hook, then either stop
// (if StopWhenDone and the pool just drained) or another serve pass.
func (d *Dispatcher) complete(req *request.Request) {
	d.mu.Lock()
	d.inFlight--
	d.processed++
	d.remaining--
	inFlight, remaining, drained := d.inFlight, d.remaining, d.inFlight == 0 && d.remaining <= 0
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Observe(inFlight, remaining)
		d.metrics.IncProcessed()
	}

	d.safeCall("dispatcher.onDone", func() {
		if d.OnDone != nil {
			d.OnDone(req)
		}
	})

	if d.cfg.StopWhenDone && drained {
		d.Stop()
		return
	}
	d.serveNext()
}

// safeCall runs fn, recovering and logging a panic the way downpour's
// _done/_success/_error wrap hook calls in a swallow-and-log try/except.
// User preemption is a deliberate control-flow error, not a hook bug, so
// it is not logged as one — the servicer already stops the transfer
// before this point for that case.
func (d *Dispatcher) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if d.metrics != nil {
				d.metrics.IncHookError(name)
			}
			d.logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
