// Package rollover implements the per-user cross-drop rollover ledger: a
// map of per-user records guarded by one Manager-wide mutex; every record
// is only ever mutated while holding it, which serializes all writes and
// so gives single-writer-per-key serialization.
package rollover

import (
	"log"
	"sync"
	"time"

	"github.com/rawblock/dropengine/pkg/models"
)

// MaxBalance is the maximum rollover tickets a user may carry between drops.
const MaxBalance = 10

// Persister is optional durable storage for rollover ledgers. Nil disables
// persistence; failures are logged by the caller's sink, never surfaced
// to the mutating request — a fire-and-forget best-effort write.
type Persister interface {
	SaveRollover(models.UserRolloverState) error
}

// Manager owns every user's rollover ledger.
type Manager struct {
	mu      sync.Mutex
	ledgers map[string]*models.UserRolloverState
	persist Persister
}

// NewManager creates an empty rollover ledger table.
func NewManager() *Manager {
	return &Manager{ledgers: make(map[string]*models.UserRolloverState)}
}

// SetPersister wires an optional durable sink. Call once at startup;
// nil (the default) disables persistence entirely.
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = p
}

func (m *Manager) persistAsync(ledger models.UserRolloverState) {
	if m.persist == nil {
		return
	}
	go func() {
		if err := m.persist.SaveRollover(ledger); err != nil {
			log.Printf("[Rollover] failed to persist ledger for %s: %v", ledger.UserID, err)
		}
	}()
}

func (m *Manager) getOrCreate(userID string) *models.UserRolloverState {
	ledger, ok := m.ledgers[userID]
	if !ok {
		ledger = &models.UserRolloverState{UserID: userID, Balance: 0, LastUpdated: time.Now()}
		m.ledgers[userID] = ledger
	}
	return ledger
}

// Balance returns the user's current rollover balance.
func (m *Manager) Balance(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(userID).Balance
}

// State returns a copy of the user's ledger.
func (m *Manager) State(userID string) models.UserRolloverState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreate(userID)
}

// Consume deducts up to `want` from the user's balance (never more than
// is available) and returns how much was actually consumed. Used at
// registration to offset paid tickets with banked rollover.
func (m *Manager) Consume(userID string, want int) int {
	if want <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.getOrCreate(userID)
	used := min(ledger.Balance, want)
	ledger.Balance -= used
	ledger.LastUpdated = time.Now()
	m.persistAsync(*ledger)
	return used
}



// Add grants k rollover units, clamped to MaxBalance. Called after a loss (full paidEntries) or
// an expiry (half of paidEntries, floored).
func (m *Manager) Add(userID string, k int) {
	if k <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.getOrCreate(userID)
	ledger.Balance += k
	if ledger.Balance > MaxBalance {
		ledger.Balance = MaxBalance
	}
	ledger.LastUpdated = time.Now()
	m.persistAsync(*ledger)
}

// Reset zeroes a user's rollover balance.
func (m *Manager) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.getOrCreate(userID)
	ledger.Balance = 0
	ledger.LastUpdated = time.Now()
	m.persistAsync(*ledger)
}
