// Package robots implements the Robots Policy Oracle: a cached,
// asynchronously-refreshed admission check plus an exposed (if
// currently unconsulted — see spec's open question on crawl-delay
// sourcing) per-host crawl delay. It is grounded on the teacher's
// internal/engine/robots.go for the parser and on downpour's
// RobotsRequest for the exact status-code handling of the bypass fetch.
package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/afcarl/downpour/internal/observability"
)

const maxRobotsBodySize = 512 * 1024

// Config controls the Oracle's behavior.
type Config struct {
	// Enabled false makes Allowed a no-op true, short-circuiting fetch
	// and cache entirely — used for local development against fixtures
	// that have no robots.txt.
	Enabled bool
	// AllowAll makes Allowed always report true without ever fetching
	// robots.txt; in Allowed it has the same effect as Enabled=false.
	AllowAll bool
	Agent    string
	TTL      time.Duration
	Timeout  time.Duration
}

// Oracle answers admission and crawl-delay questions for URLs, caching
// one ruleSet per hostname.
type Oracle struct {
	cfg     Config
	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	pending map[string]bool
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

type cacheEntry struct {
	rules     *ruleSet
	fetchedAt time.Time
}

// New builds an Oracle. A TTL of zero defaults to 3 hours, the same
// lifetime downpour's RobotsRequest hardcodes (self.ttl = 3600 * 3).
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Oracle {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Oracle{
		cfg:     cfg,
		cache:   make(map[string]*cacheEntry),
		pending: make(map[string]bool),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "robots"),
		metrics: metrics,
	}
}

// Allowed reports whether u may be fetched by agent. If no verdict is
// cached yet, this triggers an out-of-band fetch and reports
// disallowed for now — the same "may report disallowed" stance spec
// calls for rather than blocking the caller on a network round trip.
func (o *Oracle) Allowed(u *url.URL, agent string) bool {
	if !o.cfg.Enabled || o.cfg.AllowAll {
		return true
	}
	rs := o.rulesFor(u)
	if rs == nil {
		return false
	}
	return rs.isAllowed(u.Path)
}

// CrawlDelay reports the crawl-delay directive found in u's host's
// robots.txt, if any. The scheduler does not currently consult this —
// see spec's open question on delay sourcing — but it is fully
// implemented and exercised directly by oracle tests.
func (o *Oracle) CrawlDelay(u *url.URL, agent string) (time.Duration, bool) {
	rs := o.rulesFor(u)
	if rs == nil || rs.crawlDelay == nil {
		return 0, false
	}
	return *rs.crawlDelay, true
}

// cached reports whether a verdict for host is already in cache,
// regardless of staleness. Exercised directly by oracle tests to wait
// out the async first-fetch without sleeping a fixed duration.
func (o *Oracle) cached(host string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.cache[host]
	return ok
}

func (o *Oracle) rulesFor(u *url.URL) *ruleSet {
	host := u.Hostname()
	o.mu.RLock()
	e, ok := o.cache[host]
	o.mu.RUnlock()

	if ok && time.Since(e.fetchedAt) < o.cfg.TTL {
		return e.rules
	}
	o.fetchAsync(host, u.Scheme+"://"+u.Host)
	if ok {
		return e.rules // serve stale while a refresh is in flight
	}
	return nil
}

func (o *Oracle) fetchAsync(host, origin string) {
	o.mu.Lock()
	if o.pending[host] {
		o.mu.Unlock()
		return
	}
	o.pending[host] = true
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.pending, host)
			o.mu.Unlock()
		}()
		rs := o.fetch(host, origin)
		o.mu.Lock()
		o.cache[host] = &cacheEntry{rules: rs, fetchedAt: time.Now()}
		o.mu.Unlock()
	}()
}

// fetch reproduces downpour's RobotsRequest status-code handling: 401
// or 403 means "disallow everything" (the site is actively refusing
// robots.txt, which reppy/downpour treats as a hard no), any other
// non-200 means "allow everything" (no usable policy found), and a
// transport failure also defaults to allow-everything rather than
// stalling the crawl indefinitely on a host that may simply be down.
func (o *Oracle) fetch(host, origin string) *ruleSet {
	robotsURL := origin + "/robots.txt"
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return allowAllRuleSet()
	}
	if o.cfg.Agent != "" {
		httpReq.Header.Set("User-Agent", o.cfg.Agent)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		o.logger.Warn("robots.txt fetch failed, allowing all", "host", host, "error", err)
		return allowAllRuleSet()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		o.logger.Info("robots.txt forbidden, disallowing all", "host", host, "status", resp.StatusCode)
		return disallowAllRuleSet()
	case resp.StatusCode != http.StatusOK:
		o.logger.Debug("no robots.txt, allowing all", "host", host, "status", resp.StatusCode)
		return allowAllRuleSet()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodySize))
	if err != nil {
		return allowAllRuleSet()
	}
	return parse(string(body), o.cfg.Agent)
}
