package drop

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/cryptoutil"
	"github.com/rawblock/dropengine/internal/loyalty"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/pkg/models"
)

// InitResult is initialize's return shape: only what's safe to
// reveal pre-lottery.
type InitResult struct {
	DropID            string `json:"dropId"`
	LotteryCommitment string `json:"lotteryCommitment"`
}

// Manager owns the global drop index: every dropId ever initialized, kept
// forever for audit. It is the
// top-level wiring point for the three cross-drop ledgers and the pub/sub
// bus.
type Manager struct {
	mu    sync.Mutex
	drops map[string]*Drop

	timing         Timing
	rolloverMgr    *rollover.Manager
	loyaltyMgr     *loyalty.Manager
	participantMgr *participant.Manager
	bus            *pubsub.Bus
	purchaseSecret string
	persist        Persistence
}

// SetPersistence wires an optional durable sink for drop configs and
// lottery proofs; nil (the default) disables persistence.
func (m *Manager) SetPersistence(p Persistence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = p
}

// NewManager wires the drop index to the shared ledgers, participant FSM
// table, and pub/sub bus.
func NewManager(timing Timing, rolloverMgr *rollover.Manager, loyaltyMgr *loyalty.Manager, participantMgr *participant.Manager, bus *pubsub.Bus, purchaseSecret string) *Manager {
	return &Manager{
		drops:          make(map[string]*Drop),
		timing:         timing,
		rolloverMgr:    rolloverMgr,
		loyaltyMgr:     loyaltyMgr,
		participantMgr: participantMgr,
		bus:            bus,
		purchaseSecret: purchaseSecret,
	}
}

// Initialize creates dropId's commit-reveal secret/commitment once and
// schedules its registrationEnd lottery timer.
// Idempotent: a repeat call for an already-initialized dropId returns its
// existing commitment rather than generating a new secret.
func (m *Manager) Initialize(cfg models.DropConfig) (InitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.drops[cfg.DropID]; ok {
		existing.mu.Lock()
		commitment := existing.state.LotteryCommitment
		existing.mu.Unlock()
		return InitResult{DropID: cfg.DropID, LotteryCommitment: commitment}, nil
	}

	secret, err := cryptoutil.RandomHex(32)
	if err != nil {
		return InitResult{}, apperr.Internal("Failed to generate lottery secret")
	}
	commitment := cryptoutil.SHA256Hex(secret)

	d := newDrop(cfg, secret, commitment, dropDeps{
		timing:         m.timing,
		rolloverMgr:    m.rolloverMgr,
		loyaltyMgr:     m.loyaltyMgr,
		participantMgr: m.participantMgr,
		bus:            m.bus,
		purchaseSecret: m.purchaseSecret,
		persist:        m.persist,
	})
	m.drops[cfg.DropID] = d

	if m.persist != nil {
		persist := m.persist
		go func(cfg models.DropConfig, commitment string) {
			if err := persist.SaveDropConfig(cfg, commitment); err != nil {
				log.Printf("[Drop] failed to persist config for %s: %v", cfg.DropID, err)
			}
		}(cfg, commitment)
	}

	delay := time.Until(cfg.RegistrationEnd)
	if delay < 0 {
		delay = 0
	}
	d.lotteryTimer = time.AfterFunc(delay, func() { d.RunLottery(time.Now()) })

	return InitResult{DropID: cfg.DropID, LotteryCommitment: commitment}, nil
}

// Get returns the Drop actor for dropId, or (nil, false) if unknown.
func (m *Manager) Get(dropID string) (*Drop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drops[dropID]
	return d, ok
}

// ActiveSummaries returns every drop not yet completed, sorted by soonest
// registration deadline.
func (m *Manager) ActiveSummaries() []models.ActiveDropSummary {
	m.mu.Lock()
	drops := make([]*Drop, 0, len(m.drops))
	for _, d := range m.drops {
		drops = append(drops, d)
	}
	m.mu.Unlock()

	out := make([]models.ActiveDropSummary, 0, len(drops))
	for _, d := range drops {
		s := d.Summary()
		if s.Phase != models.PhaseCompleted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegistrationEnd.Before(out[j].RegistrationEnd) })
	return out
}
