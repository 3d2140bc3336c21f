// Package queue implements the per-drop admission-queue scheduler: a FIFO
// waiting list gated by a ticking admission loop that
// bounds concurrent "ready" tokens to maxConcurrentReady while admitting
// at most admissionRatePerSecond. The admission loop pairs a main ticker
// with a secondary expiry-sweep ticker and guards itself against
// duplicate concurrent runs with a re-entrancy flag.
package queue

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/kv"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/pkg/models"
)

// Config holds the per-drop admission-queue tunables.
type Config struct {
	Disabled                bool
	RatePerSecond           float64
	MaxConcurrentReady      int
	TickInterval            time.Duration
	ReadyWindow             time.Duration
	MaxQueueAge             time.Duration
	MaxTokensPerFingerprint int
	MaxTokensPerIP          int
}

// JoinResult is the response to joinQueue.
type JoinResult struct {
	Token                string                 `json:"token"`
	Position             int64                  `json:"position"`
	EstimatedWaitSeconds int                    `json:"estimatedWaitSeconds"`
	Status               models.QueueTokenStatus `json:"status"`
}

// Queue is a single drop's admission-queue actor. All mutating methods
// hold q.mu for their duration, giving the single-writer-per-key
// serialization  for this object.
type Queue struct {
	dropID string
	cfg    Config
	store  *kv.Store
	bus    *pubsub.Bus

	mu            sync.Mutex
	waiting       []string
	tokens        map[string]*models.QueueToken
	currentReady  int
	loopActive    bool
	totalIssued   int64
	totalAdmitted int64
}

// New creates a queue for dropID and starts its background ready-window
// expiry sweep (the admission loop itself is only started on demand, per
// step 4).
func New(dropID string, cfg Config, store *kv.Store, bus *pubsub.Bus) *Queue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	q := &Queue{
		dropID: dropID,
		cfg:    cfg,
		store:  store,
		bus:    bus,
		tokens: make(map[string]*models.QueueToken),
	}
	go q.expirySweepLoop()
	return q
}

func (q *Queue) fpCountKey(fp string) string { return "queue:" + q.dropID + ":fp:" + fp }
func (q *Queue) ipCountKey(ip string) string  { return "queue:" + q.dropID + ":ip:" + ip }
func (q *Queue) positionCounterKey() string   { return "queue:" + q.dropID + ":position_counter" }

// JoinQueue admits a new token request.
func (q *Queue) JoinQueue(tokenID, fingerprint, ipHash string) (JoinResult, error) {
	now := time.Now()

	if q.cfg.Disabled {
		tok := &models.QueueToken{
			Token: tokenID, DropID: q.dropID, Status: models.QueueReady,
			Fingerprint: fingerprint, IPHash: ipHash,
			IssuedAt: now, ReadyAt: &now, ExpiresAt: now.Add(q.cfg.ReadyWindow),
		}
		q.mu.Lock()
		q.tokens[tokenID] = tok
		q.mu.Unlock()
		return JoinResult{Token: tokenID, Status: models.QueueReady}, nil
	}

	if q.cfg.MaxTokensPerFingerprint > 0 && q.store.CountOf(q.fpCountKey(fingerprint)) >= int64(q.cfg.MaxTokensPerFingerprint) {
		return JoinResult{}, apperr.New(apperr.KindFingerprintMismatch, "TOO_MANY_TOKENS", "Too many queue tokens for this fingerprint")
	}
	if q.cfg.MaxTokensPerIP > 0 && q.store.CountOf(q.ipCountKey(ipHash)) >= int64(q.cfg.MaxTokensPerIP) {
		return JoinResult{}, apperr.New(apperr.KindRateLimited, "TOO_MANY_TOKENS", "Too many queue tokens for this IP")
	}

	position := q.store.Incr(q.positionCounterKey(), q.cfg.MaxQueueAge)

	tok := &models.QueueToken{
		Token: tokenID, DropID: q.dropID, Position: position, Status: models.QueueWaiting,
		Fingerprint: fingerprint, IPHash: ipHash,
		IssuedAt: now, ExpiresAt: now.Add(q.cfg.MaxQueueAge),
	}

	q.mu.Lock()
	q.tokens[tokenID] = tok
	q.waiting = append(q.waiting, tokenID)
	q.totalIssued++
	needsLoop := !q.loopActive
	if needsLoop {
		q.loopActive = true
	}
	q.mu.Unlock()

	q.store.Incr(q.fpCountKey(fingerprint), q.cfg.MaxQueueAge)
	q.store.Incr(q.ipCountKey(ipHash), q.cfg.MaxQueueAge)

	if needsLoop {
		go q.admissionLoop()
	}

	eta := q.estimatedWaitSeconds(position)
	return JoinResult{Token: tokenID, Position: position, EstimatedWaitSeconds: eta, Status: models.QueueWaiting}, nil
}

func (q *Queue) estimatedWaitSeconds(position int64) int {
	denom := q.cfg.RatePerSecond
	if float64(q.cfg.MaxConcurrentReady) < denom {
		denom = float64(q.cfg.MaxConcurrentReady)
	}
	if denom <= 0 {
		return 0
	}
	return int(math.Ceil(float64(position) / denom))
}

// Status returns the current state of a token.
func (q *Queue) Status(tokenID string) (models.QueueToken, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tok, ok := q.tokens[tokenID]
	if !ok {
		return models.QueueToken{}, false
	}
	return *tok, true
}

// EstimatedWaitSeconds exposes estimatedWaitSeconds for the HTTP edge's
// GET .../status response.
func (q *Queue) EstimatedWaitSeconds(position int64) int {
	return q.estimatedWaitSeconds(position)
}

// admissionLoop runs admitNextBatch on a ticker until the waiting list
// drains, then clears the re-entrancy guard.
func (q *Queue) admissionLoop() {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	for range ticker.C {
		remaining := q.admitNextBatch()
		if remaining == 0 {
			q.mu.Lock()
			q.loopActive = false
			q.mu.Unlock()
			return
		}
	}
}

// admitNextBatch pops as many waiters as capacity and rate allow,
// publishes queue_ready for admitted tokens and queue_position for the
// next up-to-100 waiters, and returns the remaining waiting-list length.
func (q *Queue) admitNextBatch() int {
	now := time.Now()
	q.mu.Lock()

	slots := q.cfg.MaxConcurrentReady - q.currentReady
	if slots < 0 {
		slots = 0
	}
	rateLimit := int(math.Ceil(q.cfg.RatePerSecond * float64(q.cfg.TickInterval) / float64(time.Second)))
	toAdmit := min3(slots, rateLimit, len(q.waiting))

	admitted := make([]*models.QueueToken, 0, toAdmit)
	for i := 0; i < toAdmit; i++ {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		tok := q.tokens[id]
		tok.Status = models.QueueReady
		readyAt := now
		tok.ReadyAt = &readyAt
		tok.ExpiresAt = now.Add(q.cfg.ReadyWindow)
		q.currentReady++
		q.totalAdmitted++
		admitted = append(admitted, tok)
	}

	previewCount := len(q.waiting)
	if previewCount > 100 {
		previewCount = 100
	}
	preview := make([]*models.QueueToken, previewCount)
	for i := 0; i < previewCount; i++ {
		preview[i] = q.tokens[q.waiting[i]]
	}
	remaining := len(q.waiting)
	q.mu.Unlock()

	for _, tok := range admitted {
		q.publish(tok.Token, "queue_ready", map[string]any{
			"status": tok.Status, "expiresAt": tok.ExpiresAt,
		})
	}
	for i, tok := range preview {
		q.publish(tok.Token, "queue_position", map[string]any{
			"position":             int64(i + 1),
			"estimatedWaitSeconds": q.estimatedWaitSeconds(int64(i + 1)),
		})
	}

	return remaining
}

// MarkTokenUsed flips a ready token to used.
func (q *Queue) MarkTokenUsed(tokenID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tok, ok := q.tokens[tokenID]
	if !ok {
		return apperr.NotFound("Unknown queue token")
	}
	if tok.Status != models.QueueReady {
		return apperr.QueueNotReady(1)
	}
	tok.Status = models.QueueUsed
	q.currentReady--
	if q.currentReady < 0 {
		q.currentReady = 0
	}
	return nil
}

// MarkTokenExpired flips a ready token to expired on ready-window
// timeout. Calling it on an already-used token is a no-op.
func (q *Queue) MarkTokenExpired(tokenID string) {
	q.mu.Lock()
	tok, ok := q.tokens[tokenID]
	if !ok || tok.Status != models.QueueReady {
		q.mu.Unlock()
		return
	}
	tok.Status = models.QueueExpired
	q.currentReady--
	if q.currentReady < 0 {
		q.currentReady = 0
	}
	q.mu.Unlock()

	q.publish(tokenID, "queue_expired", map[string]any{"status": models.QueueExpired})
}

// expirySweepLoop runs for the queue's lifetime, independent of the
// admission loop's re-entrancy guard, since ready tokens can still be
// outstanding after the waiting list has drained.
func (q *Queue) expirySweepLoop() {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		q.mu.Lock()
		var toExpire []string
		for id, tok := range q.tokens {
			if tok.Status == models.QueueReady && now.After(tok.ExpiresAt) {
				toExpire = append(toExpire, id)
			}
		}
		q.mu.Unlock()
		for _, id := range toExpire {
			q.MarkTokenExpired(id)
		}
	}
}

// CurrentReady exposes the live ready-token count for invariant checks
// and tests.
func (q *Queue) CurrentReady() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentReady
}

func (q *Queue) publish(tokenID, eventType string, payload map[string]any) {
	if q.bus == nil {
		return
	}
	payload["type"] = eventType
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	q.bus.Publish("queue."+q.dropID+"."+tokenID, data)
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
