// Package gateway wires the Admission Controller, Proxy Engine, and
// Request Recorder into the single http.Handler mounted on Pylon's
// proxy-facing listener — the request lifecycle that skipper's own
// proxy.Proxy.ServeHTTP drives, but flattened into the handful of
// stages Pylon needs: authenticate, admit, forward, record.
package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hwuu/pylon/admission"
	"github.com/hwuu/pylon/pmetrics"
	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/proxy"
	"github.com/hwuu/pylon/pylonerr"
	"github.com/hwuu/pylon/pylonlog"
	"github.com/hwuu/pylon/recorder"
)

// Gateway is the proxy-port http.Handler.
type Gateway struct {
	controller *admission.Controller
	engine     *proxy.Engine
	recorder   *recorder.Recorder
	policies   *policy.Store
	metrics    *pmetrics.Metrics
}

// New constructs a Gateway from its collaborators.
func New(controller *admission.Controller, engine *proxy.Engine, rec *recorder.Recorder, policies *policy.Store, metrics *pmetrics.Metrics) *Gateway {
	return &Gateway{controller: controller, engine: engine, recorder: rec, policies: policies, metrics: metrics}
}

// remoteAddr prefers X-Forwarded-For over the raw socket address, the
// same preference order skipper's logging.remoteAddr applies.
func remoteAddr(r *http.Request) string {
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		return ff
	}
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

// ServeHTTP implements http.Handler for the proxy listener.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := g.policies.Get()

	bearer, ok := extractBearer(r.Header.Get("Authorization"))
	if !ok {
		g.reject(w, r, start, http.StatusUnauthorized, admission.ReasonUnauthorized, "")
		return
	}

	identity, _, err := g.controller.Authenticate(r.Context(), bearer)
	if err != nil {
		g.reject(w, r, start, http.StatusUnauthorized, admission.ReasonUnauthorized, "")
		return
	}

	requestedSSE := proxy.IsSSERequest(r)
	apiID := admission.APIIdentifier(r.Method, r.URL.Path, snap.APIPatterns)

	decision := g.controller.Admit(r.Context(), identity, apiID, requestedSSE)
	if decision.Ticket == nil {
		g.rejectDecision(w, r, start, apiID, decision)
		return
	}
	defer func() {
		decision.Ticket.Release()
		g.controller.NotifyReleased()
	}()

	g.metrics.ConcurrentGauge.WithLabelValues("global").Inc()
	defer g.metrics.ConcurrentGauge.WithLabelValues("global").Dec()

	var forwardErr error
	sseMsgs := 0
	isSSE := requestedSSE

	recordMessage := func(count int) error {
		if err := g.controller.RecordMessage(identity, apiID); err != nil {
			return err
		}
		sseMsgs = count
		return nil
	}

	if requestedSSE {
		g.metrics.SSEActiveGauge.WithLabelValues("global").Inc()
		defer g.metrics.SSEActiveGauge.WithLabelValues("global").Dec()

		forwardErr = g.engine.ForwardSSE(w, r, recordMessage)
	} else {
		isSSE, forwardErr = g.engine.ForwardUnary(w, r, recordMessage)
	}

	status := http.StatusOK
	reason := ""
	if forwardErr != nil {
		if pe, ok := forwardErr.(*pylonerr.ProxyError); ok {
			status = pe.Code
			reason = string(admission.ReasonDownstreamError)
			if !pe.Handled && status != 0 {
				http.Error(w, "downstream error", status)
			}
		} else {
			status = http.StatusBadGateway
			reason = string(admission.ReasonDownstreamError)
		}
	}

	g.metrics.ProxyDuration.WithLabelValues(protocolLabel(isSSE)).Observe(time.Since(start).Seconds())
	g.metrics.AdmissionTotal.WithLabelValues("admitted").Inc()

	pylonlog.Access(pylonlog.AccessEntry{
		KeyID:      identity.ID,
		KeyPrefix:  identity.KeyPrefix,
		API:        apiID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		ClientAddr: remoteAddr(r),
		IsSSE:      isSSE,
		SSEMsgs:    sseMsgs,
		Reason:     reason,
	})

	g.recorder.Record(recorder.Record{
		IdentityID: identity.ID,
		KeyPrefix:  identity.KeyPrefix,
		API:        apiID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		ClientAddr: remoteAddr(r),
		IsSSE:      isSSE,
		SSEMsgs:    sseMsgs,
		Reason:     reason,
		RequestAt:  start,
	})
}

func protocolLabel(isSSE bool) string {
	if isSSE {
		return "sse"
	}
	return "unary"
}

func extractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, start time.Time, status int, reason admission.Reason, apiID string) {
	g.metrics.AdmissionTotal.WithLabelValues(string(reason)).Inc()
	pylonlog.Access(pylonlog.AccessEntry{
		API:        apiID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		ClientAddr: remoteAddr(r),
		Reason:     string(reason),
	})
	writeRejection(w, status, reason)
}

func (g *Gateway) rejectDecision(w http.ResponseWriter, r *http.Request, start time.Time, apiID string, decision admission.Decision) {
	status := statusFor(decision.Reason)
	g.metrics.AdmissionTotal.WithLabelValues(string(decision.Reason)).Inc()
	pylonlog.Access(pylonlog.AccessEntry{
		API:        apiID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		ClientAddr: remoteAddr(r),
		Reason:     string(decision.Reason),
	})
	writeRejection(w, status, decision.Reason)
}

func statusFor(reason admission.Reason) int {
	switch reason {
	case admission.ReasonUnauthorized:
		return http.StatusUnauthorized
	case admission.ReasonUserLimit, admission.ReasonAPILimit, admission.ReasonSystemBusy:
		return http.StatusTooManyRequests
	case admission.ReasonQueueFull:
		return http.StatusServiceUnavailable
	case admission.ReasonQueueTimeout:
		return http.StatusGatewayTimeout
	case admission.ReasonPreempted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeRejection(w http.ResponseWriter, status int, reason admission.Reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + string(reason) + `"}`))
}
