package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afcarl/downpour/internal/dispatcher"
	"github.com/afcarl/downpour/internal/observability"
	"github.com/afcarl/downpour/internal/queue"
	"github.com/afcarl/downpour/internal/request"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *observability.Metrics {
	return observability.New(prometheus.NewRegistry())
}

func alwaysAllowed(*url.URL, string) bool { return true }

func newTestScheduler(t *testing.T, store queue.Store, delay time.Duration, allowed Allowed) *Scheduler {
	t.Helper()
	return New(Config{
		Dispatcher: dispatcher.Config{PoolSize: 4, GrowPeriod: time.Minute},
		Delay:      delay,
		AliasPLD:   false,
	}, store, allowed, testLogger(), testMetrics())
}

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	r, err := request.New(rawURL)
	require.NoError(t, err)
	return r
}

// E1: a domain with a pending request is not ready again until the
// configured delay has elapsed after the previous one completed.
func TestPerDomainDelayGatesPop(t *testing.T) {
	store := queue.NewMemStore()
	s := newTestScheduler(t, store, 200*time.Millisecond, alwaysAllowed)

	r1 := mustRequest(t, "https://a.example/one")
	r2 := mustRequest(t, "https://a.example/two")
	require.Equal(t, 1, s.Push(r1))
	require.Equal(t, 1, s.Push(r2))

	first := s.popNext()
	require.NotNil(t, first)
	assert.Equal(t, "/one", first.URL.Path)

	// the bucket still holds r2, but its domain has no priority-queue
	// entry until onDone re-arms it — so nothing pops right now.
	assert.Nil(t, s.popNext())

	s.onRequestDone(first)
	assert.Nil(t, s.popNext(), "should still be gated by the delay just armed")

	time.Sleep(250 * time.Millisecond)
	second := s.popNext()
	require.NotNil(t, second)
	assert.Equal(t, "/two", second.URL.Path)
}

// E2: two different domains each get their own readiness clock — one
// domain's delay never blocks the other's pop.
func TestCrossDomainRequestsDoNotBlockEachOther(t *testing.T) {
	store := queue.NewMemStore()
	s := newTestScheduler(t, store, time.Hour, alwaysAllowed) // huge delay

	ra := mustRequest(t, "https://a.example/")
	rb := mustRequest(t, "https://b.example/")
	require.Equal(t, 1, s.Push(ra))
	require.Equal(t, 1, s.Push(rb))

	first := s.popNext()
	require.NotNil(t, first)
	s.onRequestDone(first) // arms a.example for an hour from now

	// b.example was never popped, so its original (ready-at-push-time)
	// priority-queue entry is still there and still ready.
	second := s.popNext()
	require.NotNil(t, second)
	assert.NotEqual(t, first.URL.Hostname(), second.URL.Hostname())
}

// E3: a cached response re-arms its domain at zero delay.
func TestCacheHitReArmsWithZeroDelay(t *testing.T) {
	store := queue.NewMemStore()
	s := newTestScheduler(t, store, time.Hour, alwaysAllowed)

	r1 := mustRequest(t, "https://a.example/one")
	r2 := mustRequest(t, "https://a.example/two")
	r1.Cached = true
	require.Equal(t, 1, s.Push(r1))
	require.Equal(t, 1, s.Push(r2))

	first := s.popNext()
	require.NotNil(t, first)
	s.onRequestDone(first)

	second := s.popNext()
	require.NotNil(t, second, "cached completion should not wait the full hour-long delay")
}

// E5: robots rejection makes Push a no-op that reports 0 accepted.
func TestPushReturnsZeroWhenRobotsDisallow(t *testing.T) {
	store := queue.NewMemStore()
	disallow := func(*url.URL, string) bool { return false }
	s := newTestScheduler(t, store, time.Second, disallow)

	r := mustRequest(t, "https://a.example/private")
	assert.Equal(t, 0, s.Push(r))

	n, err := store.FIFO("domain:a.example").Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a rejected request must never reach its domain bucket")
}

// E6: domain buckets left over from a prior process (or another
// process sharing the same store) are resumed at readiness 0.
func TestResumePersistedBucketsAtZeroReadiness(t *testing.T) {
	store := queue.NewMemStore()
	ctx := context.Background()

	seed := mustRequest(t, "https://resumed.example/page")
	require.NoError(t, store.FIFO("domain:resumed.example").Push(ctx, seed))

	s := newTestScheduler(t, store, time.Hour, alwaysAllowed)

	popped := s.popNext()
	require.NotNil(t, popped, "a bucket pre-seeded before construction must be immediately poppable")
	assert.Equal(t, "resumed.example", popped.URL.Hostname())
}

func TestAliasPLDGroupsSubdomains(t *testing.T) {
	store := queue.NewMemStore()
	s := newTestScheduler(t, store, time.Hour, alwaysAllowed)
	s.aliasPLD = true

	r1 := mustRequest(t, "https://www.a.example/one")
	r2 := mustRequest(t, "https://blog.a.example/two")
	require.Equal(t, 1, s.Push(r1))
	require.Equal(t, 1, s.Push(r2))

	n, err := store.FIFO("domain:a.example").Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both subdomains should share one bucket under alias mode")
}
