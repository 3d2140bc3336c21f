// Package loyalty implements the per-user cross-drop loyalty ledger: a
// tier derived from lifetime drop count, a participation streak, and a
// multiplier combining both. Same mutex-guarded-map shape as
// internal/rollover.
package loyalty

import (
	"log"
	"sync"

	"github.com/rawblock/dropengine/pkg/models"
)

// Persister is optional durable storage for loyalty ledgers. Nil disables
// persistence.
type Persister interface {
	SaveLoyalty(models.UserLoyaltyState) error
}

// Tier is one rung of the loyalty ladder, ordered ascending by MinDrops.
// Kept as a tunable table rather than hard-coded thresholds so the ladder
// can be recalibrated without touching the scoring logic.
var DefaultTiers = []models.LoyaltyTier{
	{Name: "bronze", MinDrops: 0, Multiplier: 1.0},
	{Name: "silver", MinDrops: 3, Multiplier: 1.1},
	{Name: "gold", MinDrops: 10, Multiplier: 1.25},
	{Name: "platinum", MinDrops: 25, Multiplier: 1.5},
}

const (
	// StreakThreshold is the minimum consecutive-participation streak
	// that earns the streak bonus.
	StreakThreshold = 5
	StreakBonus     = 0.15
	MaxMultiplier   = 2.0
)

// Manager owns every user's loyalty ledger.
type Manager struct {
	mu      sync.Mutex
	ledgers map[string]*models.UserLoyaltyState
	tiers   []models.LoyaltyTier
	persist Persister
}

// NewManager creates an empty loyalty ledger table using DefaultTiers.
func NewManager() *Manager {
	return &Manager{ledgers: make(map[string]*models.UserLoyaltyState), tiers: DefaultTiers}
}

// SetPersister wires an optional durable sink; nil (the default)
// disables persistence.
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = p
}

func (m *Manager) persistAsync(ledger models.UserLoyaltyState) {
	if m.persist == nil {
		return
	}
	go func() {
		if err := m.persist.SaveLoyalty(ledger); err != nil {
			log.Printf("[Loyalty] failed to persist ledger for %s: %v", ledger.UserID, err)
		}
	}()
}

func (m *Manager) getOrCreate(userID string) *models.UserLoyaltyState {
	ledger, ok := m.ledgers[userID]
	if !ok {
		ledger = &models.UserLoyaltyState{
			UserID:            userID,
			DropsParticipated: make(map[string]bool),
			Tier:              m.tiers[0].Name,
			Multiplier:        m.tiers[0].Multiplier,
		}
		m.ledgers[userID] = ledger
	}
	return ledger
}

// tierFor returns the highest tier whose MinDrops threshold is met by
// dropCount.
func (m *Manager) tierFor(dropCount int) models.LoyaltyTier {
	best := m.tiers[0]
	for _, t := range m.tiers {
		if dropCount >= t.MinDrops {
			best = t
		}
	}
	return best
}

// RecordParticipation marks dropID as participated for userID, increments
// the streak (simple per-participation increment — open question,
// decided against gap-aware decay), and recomputes tier/multiplier.
// Re-recording the same dropID is a no-op for the streak/tier but is
// harmless (idempotent membership in DropsParticipated).
func (m *Manager) RecordParticipation(userID, dropID string) models.UserLoyaltyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.getOrCreate(userID)
	if !ledger.DropsParticipated[dropID] {
		ledger.DropsParticipated[dropID] = true
		ledger.CurrentStreak++
	}
	tier := m.tierFor(len(ledger.DropsParticipated))
	ledger.Tier = tier.Name
	ledger.Multiplier = m.computeMultiplier(tier, ledger.CurrentStreak)

	cp := *ledger
	cp.DropsParticipated = make(map[string]bool, len(ledger.DropsParticipated))
	for k, v := range ledger.DropsParticipated {
		cp.DropsParticipated[k] = v
	}
	m.persistAsync(cp)

	return *ledger
}

func (m *Manager) computeMultiplier(tier models.LoyaltyTier, streak int) float64 {
	mult := tier.Multiplier
	if streak >= StreakThreshold {
		mult += StreakBonus
	}
	if mult > MaxMultiplier {
		mult = MaxMultiplier
	}
	return mult
}

// GetMultiplier returns the user's current effective multiplier without
// mutating state (used at registration time, step 4).
func (m *Manager) GetMultiplier(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(userID).Multiplier
}

// State returns a copy of the user's loyalty ledger.
func (m *Manager) State(userID string) models.UserLoyaltyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.getOrCreate(userID)
	cp := *ledger
	cp.DropsParticipated = make(map[string]bool, len(ledger.DropsParticipated))
	for k, v := range ledger.DropsParticipated {
		cp.DropsParticipated[k] = v
	}
	return cp
}
