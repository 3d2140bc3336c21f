package queue

import (
	"testing"
	"time"

	"github.com/rawblock/dropengine/internal/kv"
	"github.com/rawblock/dropengine/internal/pubsub"
)

func testConfig() Config {
	return Config{
		RatePerSecond:      10,
		MaxConcurrentReady: 2,
		TickInterval:       20 * time.Millisecond,
		ReadyWindow:        100 * time.Millisecond,
		MaxQueueAge:        time.Minute,
	}
}

// TestBackPressureNeverExceedsMaxConcurrentReady is scenario 4: a
// burst of joiners must never push currentReady above maxConcurrentReady.
func TestBackPressureNeverExceedsMaxConcurrentReady(t *testing.T) {
	store := kv.New(0)
	bus := pubsub.New()
	q := New("drop1", testConfig(), store, bus)

	for i := 0; i < 20; i++ {
		if _, err := q.JoinQueue(idOf(i), "fp"+idOf(i), "ip1"); err != nil {
			t.Fatalf("unexpected join error: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.CurrentReady() > q.cfg.MaxConcurrentReady {
			t.Fatalf("currentReady exceeded maxConcurrentReady: %d > %d", q.CurrentReady(), q.cfg.MaxConcurrentReady)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestFIFOOrderAdmission verifies tokens are admitted in join order.
func TestFIFOOrderAdmission(t *testing.T) {
	store := kv.New(0)
	bus := pubsub.New()
	cfg := testConfig()
	cfg.MaxConcurrentReady = 1
	cfg.ReadyWindow = 5 * time.Second
	q := New("drop2", cfg, store, bus)

	q.JoinQueue("t1", "fp1", "ip1")
	q.JoinQueue("t2", "fp2", "ip2")
	q.JoinQueue("t3", "fp3", "ip3")

	waitForStatus(t, q, "t1", "ready", time.Second)

	tok2, _ := q.Status("t2")
	if tok2.Status == "ready" {
		t.Fatalf("t2 should not be ready before t1 is consumed")
	}

	if err := q.MarkTokenUsed("t1"); err != nil {
		t.Fatalf("unexpected error marking t1 used: %v", err)
	}
	waitForStatus(t, q, "t2", "ready", time.Second)
}

// TestReadyWindowExpiryFreesCapacity ensures an unused ready token expires
// and its slot is reclaimed for the next waiter.
func TestReadyWindowExpiryFreesCapacity(t *testing.T) {
	store := kv.New(0)
	bus := pubsub.New()
	cfg := testConfig()
	cfg.MaxConcurrentReady = 1
	cfg.ReadyWindow = 30 * time.Millisecond
	q := New("drop3", cfg, store, bus)

	q.JoinQueue("a1", "fp1", "ip1")
	q.JoinQueue("a2", "fp2", "ip2")

	waitForStatus(t, q, "a1", "ready", time.Second)
	waitForStatus(t, q, "a1", "expired", time.Second)
	waitForStatus(t, q, "a2", "ready", time.Second)
}

// TestMarkTokenExpiredOnUsedTokenIsNoOp covers the decided edge case:
// expiring an already-used token must not double-decrement currentReady.
func TestMarkTokenExpiredOnUsedTokenIsNoOp(t *testing.T) {
	store := kv.New(0)
	bus := pubsub.New()
	q := New("drop4", testConfig(), store, bus)

	q.JoinQueue("b1", "fp1", "ip1")
	waitForStatus(t, q, "b1", "ready", time.Second)

	if err := q.MarkTokenUsed("b1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := q.CurrentReady()
	q.MarkTokenExpired("b1")
	if q.CurrentReady() != before {
		t.Fatalf("expiring an already-used token must be a no-op, got currentReady %d -> %d", before, q.CurrentReady())
	}
	tok, _ := q.Status("b1")
	if tok.Status != "used" {
		t.Fatalf("expected status to remain used, got %s", tok.Status)
	}
}

func waitForStatus(t *testing.T, q *Queue, token, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tok, ok := q.Status(token)
		if ok && string(tok.Status) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for token %s to reach status %s", token, want)
}

func idOf(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26])
}
