// Package admission implements the Admission Controller: the
// decision point that turns a presented credential and a request's
// method+path into admit, reject, or queue — wiring together
// keystore, policy, counter, and queue the way skipper's own
// proxy.Proxy wires routing, ratelimit.Registry, circuit.Registry and
// scheduler.Queue together around a single request (proxy/proxy.go).
package admission

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hwuu/pylon/counter"
	"github.com/hwuu/pylon/keystore"
	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
	"github.com/hwuu/pylon/queue"
)

// Reason is the rejection reason code surfaced in error responses and
// access log entries.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonUserLimit       Reason = "user_limit"
	ReasonAPILimit        Reason = "api_limit"
	ReasonSystemBusy      Reason = "system_busy"
	ReasonQueueFull       Reason = "queue_full"
	ReasonQueueTimeout    Reason = "queue_timeout"
	ReasonPreempted       Reason = "preempted"
	ReasonDownstreamError Reason = "downstream_error"
)

// Ticket represents one admitted request's hold on the Counter Bank.
// Release must be called exactly once, from every exit path — success,
// client disconnect, downstream error, or panic recovery. Release is
// idempotent via sync.Once so a defer plus an explicit early call never
// double-releases.
type Ticket struct {
	identityID string
	isSSE      bool
	bank       *counter.Bank
	once       sync.Once
}

// Release returns the ticket's reserved concurrency slot to the bank.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if t.isSSE {
			t.bank.ReleaseSse(t.identityID)
		} else {
			t.bank.ReleaseUnary(t.identityID)
		}
	})
}

// Decision is the result of Admit.
type Decision struct {
	Identity keystore.Identity
	APIID    string
	Ticket   *Ticket
	Reason   Reason
	Err      error
}

// Controller is the Admission Controller.
type Controller struct {
	keys     *keystore.Store
	policies *policy.Store
	bank     *counter.Bank
	wq       *queue.Queue
}

// New constructs a Controller from its collaborators.
func New(keys *keystore.Store, policies *policy.Store, bank *counter.Bank, wq *queue.Queue) *Controller {
	return &Controller{keys: keys, policies: policies, bank: bank, wq: wq}
}

// Authenticate resolves the bearer credential to an Identity, mapping
// every Key Store failure to ReasonUnauthorized — the caller never
// distinguishes "not found" from "revoked" from "expired" in the
// response, matching the original service's single 401 shape.
func (c *Controller) Authenticate(ctx context.Context, bearer string) (keystore.Identity, Reason, error) {
	id, err := c.keys.Resolve(ctx, bearer)
	if err != nil {
		return keystore.Identity{}, ReasonUnauthorized, err
	}
	return id, ReasonNone, nil
}

// APIIdentifier derives the "METHOD /pattern" identifier used to key
// per-API rate limits, matching a configured pattern first (first match
// wins, in configuration order) and falling back to the literal
// method+path when nothing matches.
func APIIdentifier(method, path string, patterns []policy.APIPattern) string {
	for _, p := range patterns {
		if matchPattern(p.Pattern, method, path) {
			return p.Pattern
		}
	}
	return method + " " + path
}

func matchPattern(pattern, method, path string) bool {
	sp := strings.SplitN(pattern, " ", 2)
	if len(sp) != 2 || !strings.EqualFold(sp[0], method) {
		return false
	}
	return pathGlob(sp[1], path)
}

// pathGlob supports a trailing "/*" wildcard and "{param}" single
// segment placeholders, the two pattern shapes the original config
// schema's api_patterns field documents.
func pathGlob(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}

	if !strings.Contains(pattern, "{") {
		return pattern == path
	}

	placeholder := regexp.MustCompile(`\\\{[^}]*\\\}`)
	re := placeholder.ReplaceAllString("^"+regexp.QuoteMeta(pattern)+"$", "[^/]+")

	matched, err := regexp.MatchString(re, path)
	return err == nil && matched
}

func limitsFor(snap policy.Snapshot, identity keystore.Identity, apiID string) counter.Limits {
	user := applyOverrides(snap.DefaultUser, identity.Overrides)
	api, hasAPI := snap.APIs[apiID]
	if !hasAPI {
		for _, p := range snap.APIPatterns {
			if p.Pattern == apiID {
				api, hasAPI = p.Rule, true
				break
			}
		}
	}

	l := counter.Limits{
		UserRPM:    user.MaxRequestsPerMinute,
		GlobalRPM:  snap.Global.MaxRequestsPerMinute,
		UserConc:   user.MaxConcurrent,
		GlobalConc: snap.Global.MaxConcurrent,
		UserSSE:    user.MaxSSEConnections,
		GlobalSSE:  snap.Global.MaxSSEConnections,
	}
	if hasAPI {
		l.APIRPM = api.MaxRequestsPerMinute
	}
	return l
}

// applyOverrides replaces each field of the default-user rule that the
// identity's per-identity override sets explicitly, leaving the rest
// at the policy default — the Identity record's "optional per-identity
// rate overrides" field.
func applyOverrides(def policy.RateLimitRule, overrides *policy.RateLimitRule) policy.RateLimitRule {
	if overrides == nil {
		return def
	}
	out := def
	if overrides.MaxConcurrent != nil {
		out.MaxConcurrent = overrides.MaxConcurrent
	}
	if overrides.MaxRequestsPerMinute != nil {
		out.MaxRequestsPerMinute = overrides.MaxRequestsPerMinute
	}
	if overrides.MaxSSEConnections != nil {
		out.MaxSSEConnections = overrides.MaxSSEConnections
	}
	return out
}

func reasonFor(dim counter.Dimension) Reason {
	switch dim {
	case counter.DimUserRate:
		return ReasonUserLimit
	case counter.DimAPIRate:
		return ReasonAPILimit
	case counter.DimGlobalRate:
		return ReasonSystemBusy
	case counter.DimUserConcurrency, counter.DimGlobalConcurrency,
		counter.DimUserSSE, counter.DimGlobalSSE:
		return ReasonSystemBusy
	default:
		return ReasonNone
	}
}

// Admit runs the full admission pipeline for one request: rate checks,
// then either an immediate concurrency reservation or a trip through
// the Priority Wait Queue when the relevant concurrency cap is
// momentarily exhausted.
func (c *Controller) Admit(ctx context.Context, identity keystore.Identity, apiID string, isSSE bool) Decision {
	snap := c.policies.Get()
	limits := limitsFor(snap, identity, apiID)

	reserve := c.bank.TryReserveUnary
	if isSSE {
		reserve = c.bank.TryReserveSse
	}

	dim, ok := reserve(identity.ID, apiID, limits)
	if ok {
		return Decision{
			Identity: identity,
			APIID:    apiID,
			Ticket:   &Ticket{identityID: identity.ID, isSSE: isSSE, bank: c.bank},
		}
	}

	if dim.Rate() {
		return Decision{Identity: identity, APIID: apiID, Reason: reasonFor(dim), Err: rateErr(dim)}
	}

	// Concurrency cap: hand off to the Priority Wait Queue.
	return c.admitViaQueue(ctx, identity, apiID, isSSE, snap)
}

func rateErr(dim counter.Dimension) error {
	switch dim {
	case counter.DimUserRate:
		return pylonerr.ErrUserRateLimited
	case counter.DimAPIRate:
		return pylonerr.ErrAPIRateLimited
	default:
		return pylonerr.ErrGlobalRateLimited
	}
}

func (c *Controller) admitViaQueue(ctx context.Context, identity keystore.Identity, apiID string, isSSE bool, snap policy.Snapshot) Decision {
	cancel := ctx.Done()
	timeout := snap.Queue.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	outcome := c.wq.Wait(identity.ID, keystorePriorityToQueue(identity.Priority), timeout, cancel)

	switch outcome {
	case queue.Admitted:
		// Re-read the current snapshot: policy may have changed while
		// parked, and the slot that freed up must still be reserved.
		cur := c.policies.Get()
		limits := limitsFor(cur, identity, apiID)
		reserve := c.bank.TryReserveUnary
		if isSSE {
			reserve = c.bank.TryReserveSse
		}
		dim, ok := reserve(identity.ID, apiID, limits)
		if !ok {
			return Decision{Identity: identity, APIID: apiID, Reason: reasonFor(dim), Err: rateErr(dim)}
		}
		return Decision{
			Identity: identity,
			APIID:    apiID,
			Ticket:   &Ticket{identityID: identity.ID, isSSE: isSSE, bank: c.bank},
		}

	case queue.TimedOut:
		return Decision{Identity: identity, APIID: apiID, Reason: ReasonQueueTimeout, Err: pylonerr.ErrQueueTimeout}

	case queue.Preempted:
		return Decision{Identity: identity, APIID: apiID, Reason: ReasonPreempted, Err: pylonerr.ErrPreempted}

	default: // queue.Cancelled
		return Decision{Identity: identity, APIID: apiID, Reason: ReasonNone, Err: pylonerr.ErrCancelled}
	}
}

func keystorePriorityToQueue(p keystore.Priority) queue.Priority {
	switch p {
	case keystore.High:
		return queue.High
	case keystore.Low:
		return queue.Low
	default:
		return queue.Normal
	}
}

// NotifyReleased should be called by the gateway every time a
// Ticket is released, so a parked waiter gets a chance to retry its
// reservation against the newly freed slot.
func (c *Controller) NotifyReleased() {
	c.wq.Notify()
}

// RecordMessage accounts one SSE message against the shared rpm
// window for identity/apiID, resolving caps from the currently active
// policy snapshot and the identity's own overrides. It returns a
// non-nil error (one of pylonerr.Err*RateLimited) when the message
// would exceed a cap.
func (c *Controller) RecordMessage(identity keystore.Identity, apiID string) error {
	snap := c.policies.Get()
	limits := limitsFor(snap, identity, apiID)
	_, err := c.bank.RecordMessage(identity.ID, apiID, limits)
	return err
}
