// Package counter implements the Counter Bank: the process-global
// gauges and sliding-window counters the Admission Controller checks
// and commits against on every request.
//
// Concurrency gauges use sync/atomic directly — linearizable,
// lock-free, exactly the discipline skipper's own metrics gauges use
// (routing/endpointregistry.go's atomic.Int64 inflight counters).
// Window counters (rpm) are backed by
// github.com/szuecs/rate-limit-buffer, the same circular-buffer rate
// limiter skipper wires up for its own ServiceRatelimit/LocalRatelimit
// filters in ratelimit/ratelimit.go — Allow(key) there already performs
// a combined check-and-record, which is exactly the "verify, then
// commit" shape a reserve needs for the rate dimension.
package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	circularbuffer "github.com/szuecs/rate-limit-buffer"

	"github.com/hwuu/pylon/pylonerr"
)

// Dimension identifies which cap was the binding constraint on a
// rejected reserve.
type Dimension int

const (
	DimNone Dimension = iota
	DimUserRate
	DimAPIRate
	DimGlobalRate
	DimUserConcurrency
	DimGlobalConcurrency
	DimUserSSE
	DimGlobalSSE
)

// Rate reports whether the dimension is a rate (rpm) cap — rate
// violations are terminal, concurrency violations hand off to the
// Priority Wait Queue.
func (d Dimension) Rate() bool {
	return d == DimUserRate || d == DimAPIRate || d == DimGlobalRate
}

// window is the narrow slice of the rate-limit-buffer implementation
// surface the Bank needs: combined check-and-record, and resize when a
// policy reload changes the cap.
type window interface {
	Allow(string) bool
	Resize(string, int)
	Close()
}

// rateLimiterWindow adapts circularbuffer.RateLimiter's context-aware
// Allow to the context-free window interface; the Bank has no request
// context to thread through at construction time, so Allow is called
// with context.Background(), matching the library's own non-cancelling
// CircularBuffer.Allow implementation.
type rateLimiterWindow struct {
	circularbuffer.RateLimiter
}

func (w rateLimiterWindow) Allow(s string) bool {
	return w.RateLimiter.Allow(context.Background(), s)
}

// clientRateLimiterWindow is the same adapter for *ClientRateLimiter.
type clientRateLimiterWindow struct {
	*circularbuffer.ClientRateLimiter
}

func (w clientRateLimiterWindow) Allow(s string) bool {
	return w.ClientRateLimiter.Allow(context.Background(), s)
}

const cleanInterval = 2 * time.Minute

// Limits is the set of caps a single reserve call is evaluated against,
// resolved by the caller (the Admission Controller) from the active
// policy.Snapshot for this identity/API/global scope.
type Limits struct {
	UserRPM     *int
	APIRPM      *int
	GlobalRPM   *int
	UserConc    *int
	GlobalConc  *int
	UserSSE     *int
	GlobalSSE   *int
}

type gaugeCell struct {
	value    atomic.Int64
	lastSeen atomic.Int64 // unix nano of last touch, for idle eviction
}

func (c *gaugeCell) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Bank is the Counter Bank. The zero value is not usable; construct
// with New.
type Bank struct {
	globalWindow window

	userWindowsMu sync.Mutex
	userWindows   map[string]window // keyed by identity id
	userCaps      map[string]int    // last limit applied, to detect changes for Resize
	userTouched   map[string]int64  // unix nano of last Allow call, for idle eviction

	apiWindowsMu sync.Mutex
	apiWindows   map[string]window
	apiCaps      map[string]int

	globalConcurrent gaugeCell
	globalSSE        gaugeCell

	userConcurrent sync.Map // identity id -> *gaugeCell
	userSSE        sync.Map // identity id -> *gaugeCell
}

// New constructs an empty Counter Bank. globalRPMCap may be nil (no
// global rate cap enforced).
func New(globalRPMCap *int) *Bank {
	limit := 0
	if globalRPMCap != nil {
		limit = *globalRPMCap
	}
	return &Bank{
		globalWindow: rateLimiterWindow{circularbuffer.NewRateLimiter(max(limit, 1), time.Minute)},
		userWindows:  make(map[string]window),
		userCaps:     make(map[string]int),
		userTouched:  make(map[string]int64),
		apiWindows:   make(map[string]window),
		apiCaps:      make(map[string]int),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (b *Bank) userWindow(identityID string, limit int) window {
	b.userWindowsMu.Lock()
	defer b.userWindowsMu.Unlock()

	b.userTouched[identityID] = time.Now().UnixNano()

	w, ok := b.userWindows[identityID]
	if !ok {
		w = clientRateLimiterWindow{circularbuffer.NewClientRateLimiter(max(limit, 1), time.Minute, cleanInterval)}
		b.userWindows[identityID] = w
		b.userCaps[identityID] = limit
		return w
	}

	if b.userCaps[identityID] != limit {
		w.Resize(identityID, max(limit, 1))
		b.userCaps[identityID] = limit
	}
	return w
}

func (b *Bank) apiWindow(apiID string, limit int) window {
	b.apiWindowsMu.Lock()
	defer b.apiWindowsMu.Unlock()

	w, ok := b.apiWindows[apiID]
	if !ok {
		w = rateLimiterWindow{circularbuffer.NewRateLimiter(max(limit, 1), time.Minute)}
		b.apiWindows[apiID] = w
		b.apiCaps[apiID] = limit
		return w
	}

	if b.apiCaps[apiID] != limit {
		w.Resize(apiID, max(limit, 1))
		b.apiCaps[apiID] = limit
	}
	return w
}

func gauge(m *sync.Map, key string) *gaugeCell {
	v, _ := m.LoadOrStore(key, &gaugeCell{})
	return v.(*gaugeCell)
}

// checkRate evaluates (and, for a library whose Allow already commits,
// records) the three rate dimensions in the fixed order user -> api ->
// global. It stops at the first violated cap.
func (b *Bank) checkRate(identityID, apiID string, limits Limits) (Dimension, bool) {
	if limits.UserRPM != nil {
		if !b.userWindow(identityID, *limits.UserRPM).Allow(identityID) {
			return DimUserRate, false
		}
	}
	if limits.APIRPM != nil {
		if !b.apiWindow(apiID, *limits.APIRPM).Allow(apiID) {
			return DimAPIRate, false
		}
	}
	if limits.GlobalRPM != nil {
		if !b.globalWindow.Allow("global") {
			return DimGlobalRate, false
		}
	}
	return DimNone, true
}

func checkGauge(cell *gaugeCell, limit *int) bool {
	if limit == nil {
		return true
	}
	for {
		cur := cell.value.Load()
		if cur >= int64(*limit) {
			return false
		}
		if cell.value.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// TryReserveUnary attempts to admit one unary (non-SSE) request.
// Evaluation order: user-rpm, api-rpm, global-rpm, user-concurrency,
// global-concurrency — the first violated cap is returned. On success
// every incremented counter has already been committed.
func (b *Bank) TryReserveUnary(identityID, apiID string, limits Limits) (Dimension, bool) {
	if dim, ok := b.checkRate(identityID, apiID, limits); !ok {
		return dim, false
	}

	uc := gauge(&b.userConcurrent, identityID)
	uc.touch()
	if !checkGauge(uc, limits.UserConc) {
		return DimUserConcurrency, false
	}

	if !checkGauge(&b.globalConcurrent, limits.GlobalConc) {
		uc.value.Add(-1)
		return DimGlobalConcurrency, false
	}

	return DimNone, true
}

// TryReserveSse attempts to admit one SSE upgrade. Evaluation order
// matches TryReserveUnary, then user-sse, then global-sse.
func (b *Bank) TryReserveSse(identityID, apiID string, limits Limits) (Dimension, bool) {
	if dim, ok := b.checkRate(identityID, apiID, limits); !ok {
		return dim, false
	}

	us := gauge(&b.userSSE, identityID)
	us.touch()
	if !checkGauge(us, limits.UserSSE) {
		return DimUserSSE, false
	}

	if !checkGauge(&b.globalSSE, limits.GlobalSSE) {
		us.value.Add(-1)
		return DimGlobalSSE, false
	}

	return DimNone, true
}

// ReleaseUnary unconditionally releases one previously reserved unary
// concurrency slot. Release is unconditional and must always succeed —
// it is called from every exit path of a ticket's lifetime.
func (b *Bank) ReleaseUnary(identityID string) {
	releaseGauge(&b.globalConcurrent)
	releaseGauge(gauge(&b.userConcurrent, identityID))
}

// ReleaseSse unconditionally releases one previously reserved SSE slot.
func (b *Bank) ReleaseSse(identityID string) {
	releaseGauge(&b.globalSSE)
	releaseGauge(gauge(&b.userSSE, identityID))
}

func releaseGauge(cell *gaugeCell) {
	for {
		cur := cell.value.Load()
		if cur <= 0 {
			// Invariant violation: gauge must never go negative.
			// Logged here with pylonerr.ErrInvariant, and the
			// decrement past zero is refused.
			logrus.WithField("component", "counter").WithError(pylonerr.ErrInvariant).Error("counter: release of a gauge already at zero")
			return
		}
		if cell.value.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RecordMessage accounts one SSE message against the shared rpm window
// (the same window unary requests increment). It returns the binding
// dimension and pylonerr.ErrUserRateLimited/ErrAPIRateLimited/
// ErrGlobalRateLimited-shaped outcome when the message would exceed a
// cap, so the Proxy Engine can terminate the stream in-band.
func (b *Bank) RecordMessage(identityID, apiID string, limits Limits) (Dimension, error) {
	if dim, ok := b.checkRate(identityID, apiID, limits); !ok {
		switch dim {
		case DimUserRate:
			return dim, pylonerr.ErrUserRateLimited
		case DimAPIRate:
			return dim, pylonerr.ErrAPIRateLimited
		default:
			return dim, pylonerr.ErrGlobalRateLimited
		}
	}
	return DimNone, nil
}

// Snapshot reports the Bank's current gauge values, for /health and the
// admin stats surface.
type Snapshot struct {
	GlobalConcurrent int64
	GlobalSSE        int64
}

// Snapshot returns the current global gauge values.
func (b *Bank) Snapshot() Snapshot {
	return Snapshot{
		GlobalConcurrent: b.globalConcurrent.value.Load(),
		GlobalSSE:        b.globalSSE.value.Load(),
	}
}

// Sweep evicts per-identity window/gauge cells that have been idle
// longer than idleAfter, mirroring the idle-eviction sweep
// circuit.Registry.dropIdle runs over its breaker lookup table. Call
// periodically from a background goroutine (see Bank.Run).
func (b *Bank) Sweep(idleAfter time.Duration) {
	cutoff := time.Now().Add(-idleAfter).UnixNano()

	b.userConcurrent.Range(func(key, value any) bool {
		cell := value.(*gaugeCell)
		if cell.value.Load() == 0 && cell.lastSeen.Load() < cutoff {
			b.userConcurrent.Delete(key)
		}
		return true
	})
	b.userSSE.Range(func(key, value any) bool {
		cell := value.(*gaugeCell)
		if cell.value.Load() == 0 && cell.lastSeen.Load() < cutoff {
			b.userSSE.Delete(key)
		}
		return true
	})

	b.userWindowsMu.Lock()
	for id, w := range b.userWindows {
		if b.userTouched[id] >= cutoff {
			continue
		}
		w.Close()
		delete(b.userWindows, id)
		delete(b.userCaps, id)
		delete(b.userTouched, id)
	}
	b.userWindowsMu.Unlock()
}

// Run starts the background idle-sweep loop; it returns when ctx'ish
// stop channel is closed.
func (b *Bank) Run(stop <-chan struct{}, interval, idleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep(idleAfter)
		case <-stop:
			return
		}
	}
}
