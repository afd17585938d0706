// Package proxy implements the Proxy Engine: forwarding an admitted
// request to the single configured downstream, stripping hop-by-hop
// headers, and bridging unary and SSE response bodies back to the
// client.
//
// The buffer size, hop-header set, and flush-per-chunk copy loop are
// carried over from skipper's own proxy/proxy.go almost verbatim —
// that file is the clearest example in the pack of how to stream an
// HTTP response body back to a client while flushing every chunk, and
// of which headers must never cross a proxy boundary. Circuit breaking
// around the single downstream is grounded in circuit/gobreaker.go,
// using github.com/sony/gobreaker directly rather than skipper's own
// thin registry wrapper, since Pylon has exactly one backend and does
// not need a Registry keyed by per-host settings.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
)

const bufferSize = 8192

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Engine is the Proxy Engine.
type Engine struct {
	client  *http.Client
	policy  *policy.Store
	breaker *gobreaker.TwoStepCircuitBreaker
}

// New constructs an Engine whose transport mirrors skipper's default
// proxy transport shape (idle-conn reuse, bounded response-header
// wait), and whose circuit breaker trips after five consecutive
// downstream failures and probes again after 10s half-open.
func New(policies *policy.Store) *Engine {
	return &Engine{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   64,
				IdleConnTimeout:       20 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				ExpectContinueTimeout: 30 * time.Second,
			},
		},
		policy: policies,
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        "downstream",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func cloneHeaderExcluding(h http.Header, exclude map[string]bool) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if exclude[k] {
			continue
		}
		if k == "Authorization" {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func buildDownstreamRequest(ctx context.Context, baseURL string, r *http.Request) (*http.Request, error) {
	target := strings.TrimRight(baseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	out.ContentLength = r.ContentLength
	return out, nil
}

// IsSSERequest reports whether the client asked for an SSE passthrough
// via an explicit text/event-stream Accept header. This is only ever
// used to size the admission decision (which concurrency dimension to
// reserve) — the final wire shape of the response is decided later, by
// forward, from the downstream's actual Content-Type.
func IsSSERequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// flusher is satisfied by any http.ResponseWriter that also supports
// incremental flush — the same minimal contract skipper's
// flushedResponseWriter enforces around copyStream.
type flusher interface {
	io.Writer
	Flush()
}

// MessageRecorder is called once per SSE frame the engine forwards, so
// the caller can account it against the shared rpm window and signal
// termination when a cap is exceeded.
type MessageRecorder func(messageCount int) error

// ForwardUnary proxies one request that the client did not request as
// SSE. The downstream's Content-Type still gets the final say: a
// downstream that answers with text/event-stream is forwarded as an
// SSE stream regardless (message accounting, idle timeout, in-band
// termination frames all apply), and the returned bool reports which
// path was taken so the caller can label its access log entry and
// completion record correctly.
func (e *Engine) ForwardUnary(w http.ResponseWriter, r *http.Request, recordMessage MessageRecorder) (bool, error) {
	return e.forward(w, r, recordMessage, false)
}

// ForwardSSE proxies a request the client explicitly asked to stream
// as SSE, forwarding each downstream line to the client and counting
// every line that begins with "data:" as one message, matching the
// original service's _handle_sse_request accounting. On a downstream
// read error or an idle timeout it emits an in-band pylon_error
// termination frame before closing, rather than severing the
// connection silently.
func (e *Engine) ForwardSSE(w http.ResponseWriter, r *http.Request, recordMessage MessageRecorder) error {
	_, err := e.forward(w, r, recordMessage, true)
	return err
}

// forward is the shared body behind ForwardUnary and ForwardSSE. Both
// callers race a headTimer against the downstream's first byte; once
// the response headers land, the downstream's Content-Type decides
// whether the remainder switches into the SSE read loop (idle timer,
// message accounting, in-band termination) or a flat body copy.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, recordMessage MessageRecorder, requestedSSE bool) (bool, error) {
	snap := e.policy.Get()

	done, err := e.breaker.Allow()
	if err != nil {
		return requestedSSE, &pylonerr.ProxyError{Code: http.StatusBadGateway, Err: pylonerr.ErrDownstream}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	headTimeout := snap.Downstream.Timeout
	if headTimeout <= 0 {
		headTimeout = 30 * time.Second
	}
	headTimer := time.AfterFunc(headTimeout, cancel)

	req, err := buildDownstreamRequest(ctx, snap.Downstream.BaseURL, r)
	if err != nil {
		headTimer.Stop()
		done(false)
		return requestedSSE, &pylonerr.ProxyError{Code: http.StatusBadGateway, Err: err}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		headTimer.Stop()
		done(false)
		return requestedSSE, &pylonerr.ProxyError{Code: http.StatusBadGateway, Err: err, DialingFailed: true}
	}
	defer resp.Body.Close()
	headTimer.Stop()

	isSSE := requestedSSE || strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if !isSSE {
		return false, e.forwardUnaryBody(w, resp, done)
	}
	return true, e.forwardSSEBody(w, resp, recordMessage, snap, done, ctx, cancel)
}

func (e *Engine) forwardUnaryBody(w http.ResponseWriter, resp *http.Response, done func(bool)) error {
	copyHeader(w.Header(), cloneHeaderExcluding(resp.Header, hopHeaders))
	w.WriteHeader(resp.StatusCode)

	fw, ok := w.(flusher)
	if !ok {
		if _, cerr := io.Copy(w, resp.Body); cerr != nil {
			done(false)
			return &pylonerr.ProxyError{Code: http.StatusBadGateway, Err: cerr}
		}
		done(true)
		return nil
	}

	if cerr := copyStream(fw, resp.Body); cerr != nil {
		done(false)
		return &pylonerr.ProxyError{Code: http.StatusBadGateway, Err: cerr}
	}
	done(true)
	return nil
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

// copyStream copies from to a flusher, flushing after every non-empty
// read — the same shape as skipper's proxy/proxy.go copyStream, minus
// the tracing hooks this engine has no use for.
func copyStream(to flusher, from io.Reader) error {
	b := make([]byte, bufferSize)
	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
		if l > 0 {
			if _, werr := to.Write(b[:l]); werr != nil {
				return werr
			}
			to.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
	}
}

func (e *Engine) forwardSSEBody(w http.ResponseWriter, resp *http.Response, recordMessage MessageRecorder, snap policy.Snapshot, done func(bool), ctx context.Context, cancel context.CancelFunc) error {
	copyHeader(w.Header(), cloneHeaderExcluding(resp.Header, hopHeaders))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	fw, ok := w.(flusher)
	if !ok {
		done(false)
		return &pylonerr.ProxyError{Code: http.StatusInternalServerError, Err: pylonerr.ErrInvariant}
	}
	fw.Flush()

	idle := snap.SSE.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	var idleTimedOut atomic.Bool
	messages := 0
	reader := bufio.NewReaderSize(resp.Body, bufferSize)
	idleTimer := time.AfterFunc(idle, func() {
		idleTimedOut.Store(true)
		cancel()
	})
	defer idleTimer.Stop()

	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			idleTimer.Reset(idle)

			if bytes.HasPrefix(line, []byte("data:")) {
				messages++
				if merr := recordMessage(messages); merr != nil {
					writeTerminationFrame(fw, merr)
					done(true)
					return nil
				}
			}

			if _, werr := fw.Write(line); werr != nil {
				done(false)
				return &pylonerr.ProxyError{Code: 0, Err: werr, Handled: true}
			}
			fw.Flush()
		}

		if rerr == io.EOF {
			done(true)
			return nil
		}
		if rerr != nil {
			if idleTimedOut.Load() {
				writeTerminationFrame(fw, pylonerr.ErrIdleTimeout)
				done(true)
				return nil
			}
			if ctx.Err() != nil {
				writeTerminationFrame(fw, pylonerr.ErrDownstream)
				done(true)
				return nil
			}
			writeTerminationFrame(fw, pylonerr.ErrDownstream)
			done(false)
			return nil
		}
	}
}

// writeTerminationFrame emits the in-band pylon_error SSE event
// spec.md §4.5 mandates, using exactly one of its three termination
// codes so a client mid-stream learns why the connection ended instead
// of seeing a bare close.
func writeTerminationFrame(w flusher, cause error) {
	code := "downstream_error"
	switch {
	case errors.Is(cause, pylonerr.ErrUserRateLimited),
		errors.Is(cause, pylonerr.ErrAPIRateLimited),
		errors.Is(cause, pylonerr.ErrGlobalRateLimited):
		code = "rate_limit_exceeded"
	case errors.Is(cause, pylonerr.ErrIdleTimeout):
		code = "idle_timeout"
	}
	fmt.Fprintf(w, "event: pylon_error\ndata: {\"code\":\"%s\",\"message\":\"%s\"}\n\n", code, cause.Error())
	w.Flush()
}
