// Package servicer drives a single HTTP transaction for a request.Request:
// URL and redirect events, proxy resolution, cache-hit detection, status
// and header capture, and user-preemption handling. It is the Go
// counterpart of downpour's BaseRequestServicer, built on net/http
// instead of Twisted's client.HTTPClientFactory.
package servicer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/afcarl/downpour/internal/request"
)

// maxBodySize caps how much of a response body is read into memory,
// mirroring the 512KB-class caps the pack's robots fetchers use for
// similarly unbounded bodies; fetch bodies get a more generous ceiling
// since they are the actual payload of interest.
const maxBodySize = 32 * 1024 * 1024

type proxyCtxKey struct{}

// proxyState is the mutable cell a transaction's context carries so the
// shared Transport's Proxy func always dials through whichever proxy
// was resolved for the *current* leg. The context object itself is the
// same across every redirect (net/http reuses the original request's
// context for redirected requests), so re-resolving proxy per leg means
// mutating this cell, not replacing the context value.
type proxyState struct {
	mu  sync.Mutex
	url *url.URL
}

func (p *proxyState) set(u *url.URL) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *proxyState) get() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Servicer owns the shared *http.Transport. Per-request redirect policy
// and proxy selection are threaded through per-call, not through the
// shared client, since both vary request to request.
type Servicer struct {
	transport *http.Transport
	logger    *slog.Logger
}

// New builds a Servicer with a transport whose Proxy function reads the
// resolved proxy URL back out of the request context — this is what
// lets two concurrent requests use two different proxies (or none)
// against one shared, connection-pooling Transport.
func New(logger *slog.Logger) *Servicer {
	return &Servicer{
		transport: &http.Transport{
			Proxy:           proxyFromContext,
			TLSClientConfig: &tls.Config{},
		},
		logger: logger.With("component", "servicer"),
	}
}

func proxyFromContext(r *http.Request) (*url.URL, error) {
	if v, ok := r.Context().Value(proxyCtxKey{}).(*proxyState); ok && v != nil {
		return v.get(), nil
	}
	return nil, nil
}

// resolveProxy applies a per-request override first, then the
// scheme-named environment variable (http_proxy/https_proxy) for
// legURL's own scheme, matching downpour's
// "os.environ.get(scheme+'_proxy')" resolution with the request's own
// proxy always taking precedence. It is called once per URL event (the
// initial URL and every redirect target), since a redirect can cross
// schemes and the relevant environment variable changes with it.
func resolveProxy(req *request.Request, legURL *url.URL) *url.URL {
	if req.Proxy != nil {
		return req.Proxy
	}
	if v := os.Getenv(legURL.Scheme + "_proxy"); v != "" {
		if u, err := url.Parse(v); err == nil {
			return u
		}
	}
	return nil
}

// Do drives req to completion: it returns the response body on success,
// or an error — possibly wrapping request.ErrUserPreemption — on
// failure. f is not used by Do; the dispatcher, not Do, passes itself
// to req's success/error/done hooks.
func (s *Servicer) Do(ctx context.Context, req *request.Request, agent string, f request.Fetcher) ([]byte, error) {
	state := &proxyState{}
	ctx = context.WithValue(ctx, proxyCtxKey{}, state)

	if err := s.emitURL(req, req.URL, state); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("servicer: build request: %w", err)
	}
	if agent != "" {
		httpReq.Header.Set("User-Agent", agent)
	}

	client := &http.Client{
		Transport: s.transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if !req.FollowRedirect {
				return http.ErrUseLastResponse
			}
			if len(via) >= req.RedirectLimit {
				return fmt.Errorf("servicer: stopped after %d redirects", len(via))
			}
			// Fold the redirect leg's X-Cache into Cached, checked against
			// the proxy that leg went through, before re-resolving it.
			if r.Response != nil {
				prevProxyHost := ""
				if p := state.get(); p != nil {
					prevProxyHost = p.Hostname()
				}
				req.Cached = req.Cached && isCacheHit(r.Response.Header, prevProxyHost)
			}
			// net/http has already resolved a host-less Location header
			// against the previous request's URL by the time we see it
			// here, satisfying the "rewrite on redirect" requirement
			// without any manual urljoin-equivalent.
			return s.emitURL(req, r.URL, state)
		},
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) && errors.Is(ue.Err, request.ErrUserPreemption) {
			req.StopClock()
			return nil, ue.Err
		}
		req.StopClock()
		return nil, err
	}
	defer resp.Body.Close()

	proxyHost := ""
	if proxy := state.get(); proxy != nil {
		proxyHost = proxy.Hostname()
	}

	req.Status = resp.StatusCode
	req.Cached = req.Cached && isCacheHit(resp.Header, proxyHost)

	if req.OnHeaders != nil {
		if err := req.OnHeaders(resp.Header); err != nil {
			req.StopClock()
			if errors.Is(err, request.ErrUserPreemption) {
				return nil, err
			}
			s.logger.Error("onHeaders hook failed", "url", req.URL.String(), "error", err)
		}
	}

	if err := s.emitStatus(req, resp); err != nil {
		req.StopClock()
		if errors.Is(err, request.ErrUserPreemption) {
			return nil, err
		}
		s.logger.Error("onStatus hook failed", "url", req.URL.String(), "error", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	req.StopClock()
	if err != nil {
		return nil, fmt.Errorf("servicer: read body: %w", err)
	}
	return body, nil
}

// emitURL refreshes the request's start-time marker, re-resolves the
// outbound proxy for legURL's own scheme (a redirect can cross
// schemes, so the proxy applicable to the previous leg may no longer
// apply), and fires OnURL.
func (s *Servicer) emitURL(req *request.Request, legURL *url.URL, state *proxyState) error {
	req.Touch()
	state.set(resolveProxy(req, legURL))
	if req.OnURL == nil {
		return nil
	}
	if err := req.OnURL(legURL.String()); err != nil {
		if errors.Is(err, request.ErrUserPreemption) {
			return err
		}
		s.logger.Error("onURL hook failed", "url", legURL.String(), "error", err)
		return nil
	}
	return nil
}

func (s *Servicer) emitStatus(req *request.Request, resp *http.Response) error {
	if req.OnStatus == nil {
		return nil
	}
	return req.OnStatus(resp.Proto, resp.StatusCode, resp.Status)
}

// isCacheHit reports whether any X-Cache header value contains the
// token "HIT from <proxyHost>" as a whole ";"-delimited segment, rather
// than a raw substring match — this is stricter than downpour's literal
// `in` check and avoids false hits against hostnames that merely share a
// prefix (proxy.example vs proxy.example.org).
func isCacheHit(h http.Header, proxyHost string) bool {
	if proxyHost == "" {
		return false
	}
	want := "hit from " + strings.ToLower(proxyHost)
	joined := strings.Join(h.Values("X-Cache"), "; ")
	for _, part := range strings.Split(joined, ";") {
		if strings.ToLower(strings.TrimSpace(part)) == want {
			return true
		}
	}
	return false
}
