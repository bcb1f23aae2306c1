package dispatcher

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afcarl/downpour/internal/observability"
	"github.com/afcarl/downpour/internal/request"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *observability.Metrics {
	return observability.New(prometheus.NewRegistry())
}

func TestDispatcherServesPushedRequestsUpToPoolSize(t *testing.T) {
	var hits int32
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{PoolSize: 2, GrowPeriod: time.Minute, StopWhenDone: true}, testLogger(), testMetrics())

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		req, err := request.New(srv.URL)
		require.NoError(t, err)
		req.OnDone = func(f request.Fetcher) { wg.Done() }
		d.Push(req)
	}

	d.Start(context.Background())
	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(3), hits)
}

func TestDispatcherStopWhenDoneClosesDoneChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{PoolSize: 1, GrowPeriod: time.Minute, StopWhenDone: true}, testLogger(), testMetrics())
	req, err := request.New(srv.URL)
	require.NoError(t, err)
	d.Push(req)
	d.Start(context.Background())

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after draining")
	}
}

func TestDispatcherCountersAfterCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{PoolSize: 1, GrowPeriod: time.Minute, StopWhenDone: true}, testLogger(), testMetrics())
	req, err := request.New(srv.URL)
	require.NoError(t, err)
	d.Push(req)
	d.Start(context.Background())
	<-d.Done()

	inFlight, processed, remaining := d.Stats()
	assert.Equal(t, 0, inFlight)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, remaining)
}

func TestDispatcherOnErrorFiresOnTransportFailure(t *testing.T) {
	d := New(Config{PoolSize: 1, GrowPeriod: time.Minute, StopWhenDone: true}, testLogger(), testMetrics())

	req, err := request.New("http://127.0.0.1:1") // nothing listens here
	require.NoError(t, err)
	req.Timeout = 500 * time.Millisecond

	errCh := make(chan error, 1)
	req.OnError = func(err error, f request.Fetcher) { errCh <- err }
	d.Push(req)
	d.Start(context.Background())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("onError never fired")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for requests to complete")
	}
}
