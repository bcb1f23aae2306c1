package robots

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afcarl/downpour/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *observability.Metrics {
	return observability.New(prometheus.NewRegistry())
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAllowedDefaultsToDisallowUntilFirstFetchCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, Agent: "test-agent"}, testLogger(), testMetrics())
	u := mustURL(t, srv.URL+"/private")

	assert.False(t, o.Allowed(u, "test-agent"), "no cached verdict yet, so the first call must not allow")

	require.Eventually(t, func() bool { return o.cached(u.Hostname()) }, time.Second, 10*time.Millisecond)
	assert.False(t, o.Allowed(u, "test-agent"), "cached verdict should reflect the parsed Disallow rule")
}

func TestAllowedRespectsParsedDisallowRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\nAllow: /public\n"))
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, Agent: "test-agent"}, testLogger(), testMetrics())
	priv := mustURL(t, srv.URL+"/private/page")
	pub := mustURL(t, srv.URL+"/public/page")

	require.Eventually(t, func() bool {
		o.Allowed(priv, "test-agent") // drain the async fetch
		return o.cached(priv.Hostname())
	}, time.Second, 10*time.Millisecond)

	assert.False(t, o.Allowed(priv, "test-agent"))
	assert.True(t, o.Allowed(pub, "test-agent"))
}

func TestAllowAllModeNeverFetches(t *testing.T) {
	var fetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, AllowAll: true}, testLogger(), testMetrics())
	u := mustURL(t, srv.URL+"/anything")

	assert.True(t, o.Allowed(u, "test-agent"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fetched, "AllowAll must short-circuit before any network call")
}

func TestDisabledOracleAlwaysAllows(t *testing.T) {
	o := New(Config{Enabled: false}, testLogger(), testMetrics())
	u := mustURL(t, "https://example.com/private")
	assert.True(t, o.Allowed(u, "test-agent"))
}

func TestFetchDisallowsAllOnForbiddenStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, Agent: "test-agent"}, testLogger(), testMetrics())
	u := mustURL(t, srv.URL+"/page")

	require.Eventually(t, func() bool {
		o.Allowed(u, "test-agent")
		return o.cached(u.Hostname())
	}, time.Second, 10*time.Millisecond)

	assert.False(t, o.Allowed(u, "test-agent"))
}

func TestFetchAllowsAllOnOtherNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, Agent: "test-agent"}, testLogger(), testMetrics())
	u := mustURL(t, srv.URL+"/page")

	require.Eventually(t, func() bool {
		o.Allowed(u, "test-agent")
		return o.cached(u.Hostname())
	}, time.Second, 10*time.Millisecond)

	assert.True(t, o.Allowed(u, "test-agent"))
}

func TestFetchAllowsAllOnTransportError(t *testing.T) {
	o := New(Config{Enabled: true, Agent: "test-agent", Timeout: 200 * time.Millisecond}, testLogger(), testMetrics())
	u := mustURL(t, "http://127.0.0.1:1/page")

	require.Eventually(t, func() bool {
		o.Allowed(u, "test-agent")
		return o.cached(u.Hostname())
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, o.Allowed(u, "test-agent"))
}

func TestCrawlDelayReportsParsedDirective(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nCrawl-delay: 5\n"))
	}))
	defer srv.Close()

	o := New(Config{Enabled: true, Agent: "test-agent"}, testLogger(), testMetrics())
	u := mustURL(t, srv.URL+"/page")

	require.Eventually(t, func() bool {
		o.Allowed(u, "test-agent")
		return o.cached(u.Hostname())
	}, time.Second, 10*time.Millisecond)

	d, ok := o.CrawlDelay(u, "test-agent")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestTTLDefaultsToThreeHours(t *testing.T) {
	o := New(Config{}, testLogger(), testMetrics())
	assert.Equal(t, 3*time.Hour, o.cfg.TTL)
}
