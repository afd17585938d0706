package admission

import (
	"context"
	"testing"
	"time"

	"github.com/hwuu/pylon/counter"
	"github.com/hwuu/pylon/keystore"
	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
	"github.com/hwuu/pylon/queue"
)

func TestAPIIdentifierMatchesWildcardPattern(t *testing.T) {
	patterns := []policy.APIPattern{{Pattern: "GET /v1/items/*"}}

	got := APIIdentifier("GET", "/v1/items/123", patterns)
	if got != "GET /v1/items/*" {
		t.Fatalf("expected wildcard pattern match, got %q", got)
	}
}

func TestAPIIdentifierMatchesPlaceholderPattern(t *testing.T) {
	patterns := []policy.APIPattern{{Pattern: "GET /v1/items/{id}"}}

	got := APIIdentifier("GET", "/v1/items/123", patterns)
	if got != "GET /v1/items/{id}" {
		t.Fatalf("expected placeholder pattern match, got %q", got)
	}
}

func TestAPIIdentifierFallsBackToLiteral(t *testing.T) {
	got := APIIdentifier("POST", "/v1/chat/completions", nil)
	if got != "POST /v1/chat/completions" {
		t.Fatalf("expected literal fallback, got %q", got)
	}
}

func TestAPIIdentifierPlaceholderDoesNotCrossSegments(t *testing.T) {
	patterns := []policy.APIPattern{{Pattern: "GET /v1/items/{id}"}}

	got := APIIdentifier("GET", "/v1/items/123/extra", patterns)
	if got == "GET /v1/items/{id}" {
		t.Fatal("expected the placeholder to match a single path segment only")
	}
}

func newTestController(snap policy.Snapshot) *Controller {
	policies := policy.NewStore(snap)
	bank := counter.New(snap.Global.MaxRequestsPerMinute)
	wq := queue.New(snap.Queue.MaxSize)
	return New(nil, policies, bank, wq)
}

func TestAdmitGrantsATicketWithinCaps(t *testing.T) {
	snap := policy.Default()
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1", Priority: keystore.Normal}
	decision := c.Admit(context.Background(), identity, "GET /v1/items", false)

	if decision.Ticket == nil {
		t.Fatalf("expected an admitted ticket, got reason=%v err=%v", decision.Reason, decision.Err)
	}
	decision.Ticket.Release()
}

func TestAdmitHonorsIdentityRateOverride(t *testing.T) {
	snap := policy.Default()
	ten := 10
	one := 1
	snap.DefaultUser.MaxRequestsPerMinute = &ten
	c := newTestController(snap)

	identity := keystore.Identity{
		ID:        "user-1",
		Priority:  keystore.Normal,
		Overrides: &policy.RateLimitRule{MaxRequestsPerMinute: &one},
	}

	first := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if first.Ticket == nil {
		t.Fatalf("expected the first request to be admitted, got %v", first.Reason)
	}
	first.Ticket.Release()

	second := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if second.Ticket != nil {
		t.Fatal("expected the identity's tighter override to bind before the wider policy default")
	}
	if second.Reason != ReasonUserLimit {
		t.Fatalf("expected ReasonUserLimit, got %v", second.Reason)
	}
}

func TestAdmitRejectsOnceUserRateExhausted(t *testing.T) {
	snap := policy.Default()
	one := 1
	snap.DefaultUser.MaxRequestsPerMinute = &one
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1", Priority: keystore.Normal}

	first := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if first.Ticket == nil {
		t.Fatalf("expected the first request to be admitted, got %v", first.Reason)
	}
	first.Ticket.Release()

	second := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if second.Ticket != nil {
		t.Fatal("expected the second request in the same window to be rejected")
	}
	if second.Reason != ReasonUserLimit {
		t.Fatalf("expected ReasonUserLimit, got %v", second.Reason)
	}
	if second.Err != pylonerr.ErrUserRateLimited {
		t.Fatalf("expected ErrUserRateLimited, got %v", second.Err)
	}
}

func TestAdmitQueuesWhenConcurrencyExhaustedThenAdmitsOnNotify(t *testing.T) {
	snap := policy.Default()
	one := 1
	snap.DefaultUser.MaxConcurrent = &one
	snap.Queue.Timeout = time.Second
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1", Priority: keystore.Normal}

	holder := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if holder.Ticket == nil {
		t.Fatalf("expected the first request to be admitted, got %v", holder.Reason)
	}

	result := make(chan Decision, 1)
	go func() {
		result <- c.Admit(context.Background(), identity, "GET /v1/items", false)
	}()
	time.Sleep(20 * time.Millisecond)

	holder.Ticket.Release()
	c.NotifyReleased()

	decision := <-result
	if decision.Ticket == nil {
		t.Fatalf("expected the queued request to be admitted after release, got %v / %v", decision.Reason, decision.Err)
	}
	decision.Ticket.Release()
}

func TestAdmitQueueTimeoutReportsReasonQueueTimeout(t *testing.T) {
	snap := policy.Default()
	one := 1
	snap.DefaultUser.MaxConcurrent = &one
	snap.Queue.Timeout = 30 * time.Millisecond
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1", Priority: keystore.Normal}

	holder := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if holder.Ticket == nil {
		t.Fatalf("expected the first request to be admitted, got %v", holder.Reason)
	}
	defer holder.Ticket.Release()

	decision := c.Admit(context.Background(), identity, "GET /v1/items", false)
	if decision.Ticket != nil {
		t.Fatal("expected the second request to time out in queue, not be admitted")
	}
	if decision.Reason != ReasonQueueTimeout {
		t.Fatalf("expected ReasonQueueTimeout, got %v", decision.Reason)
	}
}

func TestRecordMessageEnforcesUserRPM(t *testing.T) {
	snap := policy.Default()
	one := 1
	snap.DefaultUser.MaxRequestsPerMinute = &one
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1"}
	if err := c.RecordMessage(identity, "GET /v1/stream"); err != nil {
		t.Fatalf("expected the first message to be accepted, got %v", err)
	}
	if err := c.RecordMessage(identity, "GET /v1/stream"); err == nil {
		t.Fatal("expected the second message in the same window to be rejected")
	}
}

func TestRecordMessageHonorsIdentityOverride(t *testing.T) {
	snap := policy.Default()
	ten := 10
	one := 1
	snap.DefaultUser.MaxRequestsPerMinute = &ten
	c := newTestController(snap)

	identity := keystore.Identity{ID: "user-1", Overrides: &policy.RateLimitRule{MaxRequestsPerMinute: &one}}
	if err := c.RecordMessage(identity, "GET /v1/stream"); err != nil {
		t.Fatalf("expected the first message to be accepted, got %v", err)
	}
	if err := c.RecordMessage(identity, "GET /v1/stream"); err == nil {
		t.Fatal("expected the identity's tighter override cap to bind over the wider default")
	}
}
