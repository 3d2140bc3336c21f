package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/dropengine/internal/drop"
	"github.com/rawblock/dropengine/internal/loyalty"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// closeNotifyingRecorder adds http.CloseNotifier to httptest.ResponseRecorder,
// which gin's Context.Stream requires of its underlying ResponseWriter.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyingRecorder() *closeNotifyingRecorder {
	return &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool {
	return r.closed
}

// TestDropStreamRelaysStateAndUserEvents covers the two subscription
// topics landing on the same SSE connection, and that a client disconnect
// (request context cancellation) ends the stream.
func TestDropStreamRelaysStateAndUserEvents(t *testing.T) {
	bus := pubsub.New()
	rolloverMgr := rollover.NewManager()
	loyaltyMgr := loyalty.NewManager()
	participantMgr := participant.NewManager(rolloverMgr, "secret")
	dropMgr := drop.NewManager(drop.Timing{}, rolloverMgr, loyaltyMgr, participantMgr, bus, "secret")

	cfg := models.DropConfig{
		DropID:                "d1",
		Inventory:             5,
		RegistrationStart:     time.Now(),
		RegistrationEnd:       time.Now().Add(time.Hour),
		PurchaseWindowSeconds: 600,
		TicketPriceUnit:       1,
		MaxTicketsPerUser:     3,
		BackupMultiplier:      2,
	}
	if _, err := dropMgr.Initialize(cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	d, ok := dropMgr.Get("d1")
	if !ok {
		t.Fatalf("expected drop d1 to exist")
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events/d1/bob", nil).WithContext(ctx)
	w := newCloseNotifyingRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	done := make(chan struct{})
	go func() {
		DropStream(c, d, participantMgr, bus, "d1", "bob")
		close(done)
	}()

	// Give the subscriptions a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish("drop.d1.state", []byte(`{"type":"state_change","data":{"phase":"lottery"}}`))
	bus.Publish("drop.d1.user.bob", []byte(`{"type":"user_update","data":{"status":"winner"}}`))
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DropStream did not exit after context cancellation")
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Fatalf("expected a connected event, got: %s", body)
	}
	if !strings.Contains(body, "event: state_change") {
		t.Fatalf("expected a relayed state_change event, got: %s", body)
	}
	if !strings.Contains(body, "event: user_update") {
		t.Fatalf("expected a relayed user_update event, got: %s", body)
	}
}

// TestQueueStreamRelaysFlatEvents covers the queue stream's flat
// (non-enveloped) wire shape, matching queue.Queue.publish.
func TestQueueStreamRelaysFlatEvents(t *testing.T) {
	bus := pubsub.New()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events/queue/d1/tok1", nil).WithContext(ctx)
	w := newCloseNotifyingRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	done := make(chan struct{})
	go func() {
		QueueStream(c, bus, "d1", "tok1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish("queue.d1.tok1", []byte(`{"type":"queue_ready","status":"ready"}`))
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("QueueStream did not exit after context cancellation")
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Fatalf("expected a connected event, got: %s", body)
	}
	if !strings.Contains(body, "event: queue_ready") {
		t.Fatalf("expected a relayed queue_ready event, got: %s", body)
	}
}
