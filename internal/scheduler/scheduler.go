// Package scheduler implements the Polite Scheduler: per-domain bucket
// FIFOs plus one domain priority queue keyed by readiness timestamp,
// layered on top of internal/dispatcher by overriding its pop and grow
// strategy. It is the Go counterpart of downpour's PoliteFetcher,
// built on the generic queue.Store contract from internal/queue instead
// of a hardcoded qr.PriorityQueue-over-redis.
package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/afcarl/downpour/internal/dispatcher"
	"github.com/afcarl/downpour/internal/observability"
	"github.com/afcarl/downpour/internal/queue"
	"github.com/afcarl/downpour/internal/request"
)

// Allowed is the admission check the scheduler consults before bucketing
// a request. *robots.Oracle.Allowed has this exact signature; tests use
// a fake.
type Allowed func(u *url.URL, agent string) bool

// Config controls scheduler-level behavior; Dispatcher nests the
// underlying pool's own configuration.
type Config struct {
	Dispatcher dispatcher.Config
	// Delay is the fixed per-domain minimum spacing applied on every
	// completed, non-cached request.
	Delay time.Duration
	// AliasPLD buckets by effective TLD+1 instead of full hostname when
	// true. Default false: www.a.example and blog.a.example get
	// independent delay clocks.
	AliasPLD bool
}

const (
	pldQueueName    = "plds"
	stagingFIFOName = "request"
	domainPrefix    = "domain:"
)

// Scheduler embeds *dispatcher.Dispatcher, wiring its own Push/pop/grow
// in place of the dispatcher's defaults — the Go rendition of
// PoliteFetcher overriding BaseFetcher's push/pop/grow.
type Scheduler struct {
	*dispatcher.Dispatcher

	store   queue.Store
	plds    queue.PriorityQueue
	staging queue.FIFO
	allowed Allowed

	delay    time.Duration
	aliasPLD bool
	agent    string

	mu        sync.Mutex
	wakeTimer *time.Timer

	logger  *slog.Logger
	metrics *observability.Metrics
}

// New builds a Scheduler. allowed is called with each request's URL and
// the configured agent before admission into a domain bucket; pass a
// func that always returns true if robots policy is enforced elsewhere.
func New(cfg Config, store queue.Store, allowed Allowed, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	d := dispatcher.New(cfg.Dispatcher, logger, metrics)
	s := &Scheduler{
		Dispatcher: d,
		store:      store,
		plds:       store.PriorityQueue(pldQueueName),
		staging:    store.FIFO(stagingFIFOName),
		allowed:    allowed,
		delay:      cfg.Delay,
		aliasPLD:   cfg.AliasPLD,
		agent:      cfg.Dispatcher.Agent,
		logger:     logger.With("component", "scheduler"),
		metrics:    metrics,
	}
	d.SetPopper(s.popNext)
	d.SetGrower(s.grow)
	d.OnDone = s.onRequestDone
	s.resumePersistedBuckets(context.Background())
	return s
}

// Push admits req: a robots rejection returns 0 without enqueueing
// anything, matching the dispatcher's "push returns the count
// accepted". Otherwise req is pushed into its domain bucket (serialized
// only by a byte-oriented store such as RedisStore), arming the
// domain's priority-queue entry if the bucket was empty.
func (s *Scheduler) Push(req *request.Request) int {
	if s.allowed != nil && !s.allowed(req.URL, s.agent) {
		s.logger.Debug("blocked by robots.txt", "url", req.URL.String())
		if s.metrics != nil {
			s.metrics.IncRobotsBlocked()
		}
		return 0
	}
	if n := s.enqueue(context.Background(), req); n == 0 {
		return 0
	}
	s.ResetGrowTimer()
	s.Kick()
	return 1
}

// enqueue pushes req into its domain bucket without touching the
// growth timer or kicking serveNext, so growFromStaging can call it in
// a tight loop without redundant churn.
func (s *Scheduler) enqueue(ctx context.Context, req *request.Request) int {
	key := request.PLD(req.URL, s.aliasPLD)
	bucket := s.store.FIFO(domainPrefix + key)
	n, err := bucket.Len(ctx)
	if err != nil {
		s.logger.Error("domain bucket length failed", "domain", key, "error", err)
		return 0
	}
	if err := bucket.Push(ctx, req); err != nil {
		s.logger.Error("domain bucket push failed", "domain", key, "error", err)
		return 0
	}
	if n == 0 {
		if err := s.plds.Push(ctx, domainPrefix+key, nowFloat()); err != nil {
			s.logger.Error("arm domain readiness failed", "domain", key, "error", err)
		}
	}
	s.AddRemaining(1)
	return 1
}

// Extend pushes each request serially, per spec's "extend performs
// push serially".
func (s *Scheduler) Extend(reqs []*request.Request) int {
	n := 0
	for _, r := range reqs {
		n += s.Push(r)
	}
	return n
}

// grow is the dispatcher's periodic top-up hook: pull up to upto
// requests from the staging FIFO into their domain buckets.
func (s *Scheduler) grow(upto int) int {
	return s.growFromStaging(context.Background(), upto)
}

func (s *Scheduler) growFromStaging(ctx context.Context, upto int) int {
	count := 0
	for count < upto {
		raw, ok, err := s.staging.Pop(ctx)
		if err != nil {
			s.logger.Error("staging pop failed", "error", err)
			break
		}
		if !ok {
			break
		}
		req, err := asRequest(raw)
		if err != nil {
			s.logger.Error("staging decode failed", "error", err)
			continue
		}
		count += s.enqueue(ctx, req)
	}
	return count
}

// popNext implements the Polite Scheduler's pop algorithm: lazily top
// up from staging if the domain queue is thinner than the pool, peek
// the earliest-ready domain, arm a one-shot wake timer and return
// nothing if it is not ready yet, otherwise pop it, clear the timer,
// and pop one request from its bucket — dropping and retrying if a
// concurrent consumer already drained that bucket.
func (s *Scheduler) popNext() *request.Request {
	ctx := context.Background()

	if n, err := s.plds.Len(ctx); err == nil && n < s.PoolSize() {
		s.growFromStaging(ctx, 10000)
	}

	for {
		_, readyAt, ok, err := s.plds.Peek(ctx)
		if err != nil {
			s.logger.Error("peek domain queue failed", "error", err)
			return nil
		}
		if !ok {
			return nil
		}
		if readyAt > nowFloat() {
			s.armWakeTimer(readyAt)
			return nil
		}

		domainKey, ok, err := s.plds.Pop(ctx)
		if err != nil {
			s.logger.Error("pop domain queue failed", "error", err)
			return nil
		}
		if !ok {
			continue
		}
		s.clearWakeTimer()

		bucket := s.store.FIFO(domainKey)
		raw, ok, err := bucket.Pop(ctx)
		if err != nil {
			s.logger.Error("domain bucket pop failed", "domain", domainKey, "error", err)
			return nil
		}
		if !ok {
			// The bucket is empty: either onRequestDone re-armed a domain
			// whose bucket had already drained, or an external consumer
			// of the shared persistent queue drained it first. Drop the
			// domain entry (already popped above) and try the next one.
			continue
		}

		req, err := asRequest(raw)
		if err != nil {
			s.logger.Error("domain bucket decode failed", "domain", domainKey, "error", err)
			continue
		}
		return req
	}
}

// onRequestDone re-arms the request's domain with readiness now+delay,
// or now (no wait) if the response was served from a caching proxy.
// This always re-inserts, even if the bucket it refers to just emptied
// out — popNext's drop-and-retry is what reconciles that case, exactly
// as the scheduler it's grounded on does.
func (s *Scheduler) onRequestDone(req *request.Request) {
	ctx := context.Background()
	key := domainPrefix + request.PLD(req.URL, s.aliasPLD)
	delay := s.delay
	if req.Cached {
		delay = 0
		if s.metrics != nil {
			s.metrics.IncCacheHit()
		}
	}
	readyAt := nowFloat() + delay.Seconds()
	if err := s.plds.Push(ctx, key, readyAt); err != nil {
		s.logger.Error("re-arm domain readiness failed", "domain", key, "error", err)
	}
}

func (s *Scheduler) armWakeTimer(readyAt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeTimer != nil {
		return
	}
	d := time.Duration((readyAt - nowFloat()) * float64(time.Second))
	if d < 0 {
		d = 0
	}
	s.wakeTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.wakeTimer = nil
		s.mu.Unlock()
		s.Kick()
	})
}

func (s *Scheduler) clearWakeTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
}

// resumePersistedBuckets scans the store for non-empty domain keys left
// over from a prior process and arms each at readiness 0, so work
// already sitting in a shared Redis-backed queue resumes immediately.
func (s *Scheduler) resumePersistedBuckets(ctx context.Context) {
	keys, err := s.store.ScanKeys(ctx, domainPrefix)
	if err != nil {
		s.logger.Error("scan persisted domain keys failed", "error", err)
		return
	}
	for _, k := range keys {
		if err := s.plds.Push(ctx, k, 0); err != nil {
			s.logger.Error("resume domain failed", "domain", k, "error", err)
		}
	}
}

func nowFloat() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func asRequest(raw any) (*request.Request, error) {
	switch v := raw.(type) {
	case *request.Request:
		return v, nil
	case []byte:
		return request.Decode(v)
	case string:
		return request.Decode([]byte(v))
	default:
		return request.Decode([]byte(v.(string)))
	}
}
