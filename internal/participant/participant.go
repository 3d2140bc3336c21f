// Package participant implements the per-(drop,user) finite state machine:
// not_registered -> registered -> {winner, backup_winner, loser} ->
// {purchased, expired}. Like internal/rollover and internal/loyalty it is
// a map of records guarded by one Manager-wide mutex, which serializes
// all writes and so gives single-writer-per-key serialization.
package participant

import (
	"log"
	"sync"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/purchase"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/pkg/models"
)

// Persister is optional durable storage for participant records. Nil disables
// persistence; a failed write is logged and never surfaced to the
// caller — a fire-and-forget best-effort write.
type Persister interface {
	SaveParticipant(models.ParticipantState) error
}

// TransitionResult is returned by every FSM method. Any disallowed
// transition is a no-op returning {Success:false} rather than an error.
type TransitionResult struct {
	Success bool
	Reason  string
	State   models.ParticipantState
}

func key(dropID, userID string) string {
	return dropID + ":" + userID
}

// Manager owns every participant record and the HMAC secret used to
// validate purchase tokens.
type Manager struct {
	mu             sync.Mutex
	records        map[string]*models.ParticipantState
	rolloverMgr    *rollover.Manager
	purchaseSecret string
	persist        Persister
}

// NewManager wires the participant table to the rollover ledger (for the
// addRollover side effects on loss/expiry) and the purchase-token secret.
func NewManager(rolloverMgr *rollover.Manager, purchaseSecret string) *Manager {
	return &Manager{
		records:        make(map[string]*models.ParticipantState),
		rolloverMgr:    rolloverMgr,
		purchaseSecret: purchaseSecret,
	}
}

// SetPersister wires an optional durable sink; nil (the default)
// disables persistence.
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = p
}

func (m *Manager) persistAsync(rec models.ParticipantState) {
	if m.persist == nil {
		return
	}
	go func() {
		if err := m.persist.SaveParticipant(rec); err != nil {
			log.Printf("[Participant] failed to persist %s:%s: %v", rec.DropID, rec.UserID, err)
		}
	}()
}

func (m *Manager) getOrCreate(dropID, userID string) *models.ParticipantState {
	k := key(dropID, userID)
	rec, ok := m.records[k]
	if !ok {
		rec = &models.ParticipantState{DropID: dropID, UserID: userID, Status: models.StatusNotRegistered}
		m.records[k] = rec
	}
	return rec
}

// Get returns a copy of the participant's current state.
func (m *Manager) Get(dropID, userID string) models.ParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreate(dropID, userID)
}

// SetRegistered transitions not_registered -> registered, recording the
// ticket counts computed by Drop.register.
func (m *Manager) SetRegistered(dropID, userID string, tickets, effectiveTickets, rolloverUsed, paidEntries int) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusNotRegistered {
		return TransitionResult{Success: false, Reason: "already registered", State: *rec}
	}
	rec.Status = models.StatusRegistered
	rec.Tickets = tickets
	rec.EffectiveTickets = effectiveTickets
	rec.RolloverUsed = rolloverUsed
	rec.PaidEntries = paidEntries
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// NotifyResult transitions registered -> winner or registered -> loser.
// A loss grants back the full paidEntries as rollover.
func (m *Manager) NotifyResult(dropID, userID string, isWinner bool) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusRegistered {
		return TransitionResult{Success: false, Reason: "not in registered state", State: *rec}
	}
	if isWinner {
		rec.Status = models.StatusWinner
	} else {
		rec.Status = models.StatusLoser
		if m.rolloverMgr != nil && rec.PaidEntries > 0 {
			m.rolloverMgr.Add(rec.UserID, rec.PaidEntries)
		}
	}
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// NotifyBackup transitions registered -> backup_winner at the given
// reserve-list position.
func (m *Manager) NotifyBackup(dropID, userID string, position int) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusRegistered {
		return TransitionResult{Success: false, Reason: "not in registered state", State: *rec}
	}
	rec.Status = models.StatusBackupWinner
	pos := position
	rec.BackupPosition = &pos
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// SetToken attaches a purchase token to a winner, valid on both a fresh
// winner and a winner promoted from backup_winner (both already carry
// status winner by the time SetToken runs).
func (m *Manager) SetToken(dropID, userID, token string, expiresAt time.Time) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusWinner {
		return TransitionResult{Success: false, Reason: "not in winner state", State: *rec}
	}
	rec.PurchaseToken = token
	exp := expiresAt
	rec.ExpiresAt = &exp
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// NotifyPromotion transitions backup_winner -> winner when a primary
// winner's purchase window expires.
func (m *Manager) NotifyPromotion(dropID, userID string) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusBackupWinner {
		return TransitionResult{Success: false, Reason: "not in backup_winner state", State: *rec}
	}
	rec.Status = models.StatusWinner
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// NotifyExpiry transitions winner -> expired when the purchase window
// elapses without a completed purchase, granting floor(paidEntries*0.5)
// rollover.
func (m *Manager) NotifyExpiry(dropID, userID string, expiredWinnerPercent float64) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)
	if rec.Status != models.StatusWinner {
		return TransitionResult{Success: false, Reason: "not in winner state", State: *rec}
	}
	rec.Status = models.StatusExpired
	grant := int(float64(rec.PaidEntries) * expiredWinnerPercent)
	if m.rolloverMgr != nil && grant > 0 {
		m.rolloverMgr.Add(rec.UserID, grant)
	}
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}
}

// CompletePurchase transitions winner -> purchased after validating the
// HMAC-signed token: bad signature, expired token, and
// repeated purchase attempts are all distinct typed failures surfaced to
// the HTTP edge.
func (m *Manager) CompletePurchase(dropID, userID, token string, now time.Time) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrCreate(dropID, userID)

	if rec.Status == models.StatusPurchased {
		return TransitionResult{Success: false, Reason: "already purchased", State: *rec},
			apperr.AlreadyPurchased("Already purchased")
	}
	if rec.Status != models.StatusWinner {
		return TransitionResult{Success: false, Reason: "not in winner state", State: *rec},
			apperr.New(apperr.KindConflict, "NOT_A_WINNER", "Participant is not an active winner")
	}

	res, err := purchase.Verify(token, m.purchaseSecret, dropID, userID, now)
	if err != nil {
		return TransitionResult{Success: false, Reason: err.Error(), State: *rec}, err
	}
	if !res.Valid {
		return TransitionResult{Success: false, Reason: "invalid token", State: *rec},
			apperr.TokenInvalid("Invalid purchase token")
	}

	rec.Status = models.StatusPurchased
	m.persistAsync(*rec)
	return TransitionResult{Success: true, State: *rec}, nil
}

// Snapshot returns every participant record stored for a drop, whatever
// its status (Get also creates not_registered records). The lottery's
// Merkle commitment is built from the Drop's own ticket map, not from
// this.
func (m *Manager) Snapshot(dropID string) []models.ParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ParticipantState
	prefix := dropID + ":"
	for k, rec := range m.records {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, *rec)
		}
	}
	return out
}
