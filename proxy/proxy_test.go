package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
)

func newTestEngine(downstreamURL string) *Engine {
	snap := policy.Default()
	snap.Downstream = policy.Downstream{BaseURL: downstreamURL, Timeout: 2 * time.Second}
	snap.SSE.IdleTimeout = 200 * time.Millisecond
	return New(policy.NewStore(snap))
}

func TestForwardUnaryCopiesStatusBodyAndHeaders(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rec := httptest.NewRecorder()

	if _, err := e.ForwardUnary(rec, req, nil); err != nil {
		t.Fatalf("ForwardUnary: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected downstream header to be forwarded")
	}
}

func TestForwardUnaryStripsHopByHopAndAuthorizationHeaders(t *testing.T) {
	var seen http.Header
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	if _, err := e.ForwardUnary(rec, req, nil); err != nil {
		t.Fatalf("ForwardUnary: %v", err)
	}
	if seen.Get("Authorization") != "" {
		t.Fatal("expected Authorization to be stripped before forwarding")
	}
	if seen.Get("Connection") != "" {
		t.Fatal("expected Connection to be stripped as a hop-by-hop header")
	}
}

func TestForwardUnaryReturnsProxyErrorOnDialFailure(t *testing.T) {
	e := newTestEngine("http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rec := httptest.NewRecorder()

	_, err := e.ForwardUnary(rec, req, nil)
	if err == nil {
		t.Fatal("expected an error when the downstream cannot be reached")
	}
	perr, ok := err.(*pylonerr.ProxyError)
	if !ok {
		t.Fatalf("expected a *pylonerr.ProxyError, got %T", err)
	}
	if !perr.DialingFailed {
		t.Fatal("expected DialingFailed to be set")
	}
}

func TestForwardSSECountsDataMessagesAndStopsOnRejection(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			w.Write([]byte("data: {\"n\":1}\n\n"))
			flusher.Flush()
		}
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	seen := 0
	err := e.ForwardSSE(rec, req, func(count int) error {
		seen = count
		if count >= 2 {
			return pylonerr.ErrUserRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardSSE: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected the stream to stop accounting after message 2, got %d", seen)
	}
	if !strings.Contains(rec.Body.String(), "pylon_error") {
		t.Fatal("expected an in-band termination frame in the response body")
	}
	if !strings.Contains(rec.Body.String(), "rate_limit_exceeded") {
		t.Fatal("expected the termination frame to carry the rate_limit_exceeded code")
	}
}

func TestForwardSSEForwardsAllMessagesWhenNeverRejected(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			w.Write([]byte("data: ping\n\n"))
			flusher.Flush()
		}
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	count := 0
	err := e.ForwardSSE(rec, req, func(n int) error {
		count = n
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardSSE: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 messages to be accounted, got %d", count)
	}
}

func TestIsSSERequestChecksAcceptHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsSSERequest(req) {
		t.Fatal("expected a plain request not to be detected as SSE")
	}
	req.Header.Set("Accept", "text/event-stream")
	if !IsSSERequest(req) {
		t.Fatal("expected the Accept header to mark the request as SSE")
	}
}

func TestForwardSSEEmitsIdleTimeoutFrameOnStall(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: ping\n\n"))
		flusher.Flush()
		time.Sleep(time.Second)
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	err := e.ForwardSSE(rec, req, func(n int) error { return nil })
	if err != nil {
		t.Fatalf("ForwardSSE: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "idle_timeout") {
		t.Fatalf("expected an idle_timeout termination frame, got %q", rec.Body.String())
	}
}

func TestForwardUnaryFallsBackToSSEWhenDownstreamContentTypeStreams(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			w.Write([]byte("data: ping\n\n"))
			flusher.Flush()
		}
	}))
	defer downstream.Close()

	e := newTestEngine(downstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rec := httptest.NewRecorder()

	count := 0
	isSSE, err := e.ForwardUnary(rec, req, func(n int) error {
		count = n
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardUnary: %v", err)
	}
	if !isSSE {
		t.Fatal("expected the downstream's event-stream content-type to switch the response into SSE handling")
	}
	if count != 2 {
		t.Fatalf("expected 2 messages to be accounted even though the client never requested SSE, got %d", count)
	}
}
