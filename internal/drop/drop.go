// Package drop implements the per-drop phase machine: the
// largest single component, owning registration admission, the commit-
// reveal weighted lottery, winner/backup issuance, and the purchase-window
// expiry sweep with backup promotion. Like internal/participant it is a
// mutex-guarded single-writer-per-key actor; its timer-driven phase
// transitions use ticker handlers that check for an already-running sweep
// before acting.
package drop

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/cryptoutil"
	"github.com/rawblock/dropengine/internal/geo"
	"github.com/rawblock/dropengine/internal/loyalty"
	"github.com/rawblock/dropengine/internal/merkle"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/internal/purchase"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/pkg/models"
)

const lotteryAlgorithm = "weighted-fenwick-v2"

// Persistence is optional durable storage for the drop index.
// Nil disables persistence: the in-memory Manager remains the source of
// truth for a live process, matching — the
// store is write-behind durability, not a read path.
type Persistence interface {
	SaveDropConfig(cfg models.DropConfig, commitment string) error
	SaveLotteryProof(proof models.LotteryProof) error
}

// Timing holds the non-config timer tunables that don't belong on the
// public DropConfig.
type Timing struct {
	PromoWindow time.Duration // purchase window granted to a promoted backup
}

// RegisterResult is the response shape for POST /api/drop/{dropId}/register.
type RegisterResult struct {
	Success          bool    `json:"success"`
	ParticipantCount int     `json:"participantCount"`
	TotalTickets     int     `json:"totalTickets"`
	UserTickets      int     `json:"userTickets"`
	EffectiveTickets int     `json:"effectiveTickets"`
	Position         int     `json:"position"`
	RolloverUsed     int     `json:"rolloverUsed"`
	PaidEntries      int     `json:"paidEntries"`
	Cost             float64 `json:"cost"`
	LoyaltyTier      string  `json:"loyaltyTier"`
	LoyaltyMultiplier float64 `json:"loyaltyMultiplier"`
	GeoBonus         float64 `json:"geoBonus"`
	InGeoZone        bool    `json:"inGeoZone"`
}

// Drop is a single drop's actor: its config, mutable phase state, pending
// backup queue, and published lottery proof.
type Drop struct {
	mu    sync.Mutex
	state models.DropState
	proof *models.LotteryProof

	backupQueue   []string // ordered, unconsumed backup winners
	pendingSlots  []string // winners whose token is currently outstanding this sweep round
	lotteryRan    bool
	sweepRound    int

	timing         Timing
	rolloverMgr    *rollover.Manager
	loyaltyMgr     *loyalty.Manager
	participantMgr *participant.Manager
	bus            *pubsub.Bus
	purchaseSecret string
	persist        Persistence

	lotteryTimer *time.Timer
	sweepTimer   *time.Timer
}

// newDrop builds a freshly-initialized Drop in the registration phase.
func newDrop(cfg models.DropConfig, secret, commitment string, deps dropDeps) *Drop {
	return &Drop{
		state: models.DropState{
			DropID:                 cfg.DropID,
			Config:                 cfg,
			Phase:                  models.PhaseRegistration,
			Inventory:              cfg.Inventory,
			InitialInventory:       cfg.Inventory,
			ParticipantTickets:     make(map[string]int),
			ParticipantMultipliers: make(map[string]float64),
			LotterySecret:          secret,
			LotteryCommitment:      commitment,
		},
		timing:         deps.timing,
		rolloverMgr:    deps.rolloverMgr,
		loyaltyMgr:     deps.loyaltyMgr,
		participantMgr: deps.participantMgr,
		bus:            deps.bus,
		purchaseSecret: deps.purchaseSecret,
		persist:        deps.persist,
	}
}

type dropDeps struct {
	timing         Timing
	rolloverMgr    *rollover.Manager
	loyaltyMgr     *loyalty.Manager
	participantMgr *participant.Manager
	bus            *pubsub.Bus
	purchaseSecret string
	persist        Persistence
}

// Register implements register: trust-gate evidence is assumed
// already validated by the caller (the HTTP edge runs the trust gate
// before ever reaching here, per ).
func (d *Drop) Register(userID string, tickets int, location *geo.Point) (RegisterResult, error) {
	d.mu.Lock()

	if d.state.Phase != models.PhaseRegistration {
		d.mu.Unlock()
		return RegisterResult{}, apperr.New(apperr.KindConflict, "REGISTRATION_CLOSED", "Registration is not open for this drop")
	}
	if time.Now().After(d.state.Config.RegistrationEnd) {
		d.mu.Unlock()
		return RegisterResult{}, apperr.New(apperr.KindConflict, "REGISTRATION_CLOSED", "Registration window has elapsed")
	}
	if _, already := d.state.ParticipantTickets[userID]; already {
		d.mu.Unlock()
		return RegisterResult{}, apperr.AlreadyRegistered("User already registered for this drop")
	}

	cfg := d.state.Config
	if tickets < 1 {
		tickets = 1
	}
	if tickets > cfg.MaxTicketsPerUser {
		tickets = cfg.MaxTicketsPerUser
	}

	rolloverUsed := d.rolloverMgr.Consume(userID, tickets)
	remaining := tickets - rolloverUsed
	paidEntries := 0
	if remaining > 0 {
		paidEntries = remaining - 1 // first remaining ticket is free
	}
	cost := quadraticCost(paidEntries, cfg.TicketPriceUnit)

	loyaltyMultiplier := d.loyaltyMgr.GetMultiplier(userID)

	geoBonus := 1.0
	inGeoZone := false
	if len(cfg.GeoFence) > 0 && location != nil {
		fence := make(geo.Polygon, len(cfg.GeoFence))
		for i, pt := range cfg.GeoFence {
			fence[i] = geo.Point{Lat: pt.Lat, Lng: pt.Lng}
		}
		inGeoZone = fence.Contains(*location)
		switch cfg.GeoFenceMode {
		case models.GeoFenceExclusive:
			if !inGeoZone {
				d.mu.Unlock()
				return RegisterResult{}, apperr.GeoReject("Outside drop zone")
			}
		case models.GeoFenceBonus:
			if inGeoZone {
				geoBonus = cfg.GeoBonusMultiplier
				if geoBonus <= 0 {
					geoBonus = 1.0
				}
			}
		}
	}

	multiplier := loyaltyMultiplier * geoBonus
	effectiveTickets := int(math.Floor(float64(tickets) * multiplier))
	if effectiveTickets < 1 {
		effectiveTickets = 1
	}

	res := d.participantMgr.SetRegistered(d.state.DropID, userID, tickets, effectiveTickets, rolloverUsed, paidEntries)
	if !res.Success {
		d.mu.Unlock()
		return RegisterResult{}, apperr.AlreadyRegistered("User already registered for this drop")
	}

	d.state.ParticipantTickets[userID] = tickets
	d.state.ParticipantMultipliers[userID] = multiplier
	position := len(d.state.ParticipantTickets)
	participantCount := len(d.state.ParticipantTickets)
	totalTickets := d.totalTicketsLocked()
	dropID := d.state.DropID
	snapshot := d.buildStateLocked()

	d.mu.Unlock()

	// Publishing and the loyalty-state read happen outside the drop lock:
	// pub/sub and the loyalty ledger are independent actors.
	d.publishSnapshot(dropID, snapshot)
	d.publishUser(dropID, userID)
	loyaltyState := d.loyaltyMgr.State(userID)

	return RegisterResult{
		Success:           true,
		ParticipantCount:  participantCount,
		TotalTickets:      totalTickets,
		UserTickets:       tickets,
		EffectiveTickets:  effectiveTickets,
		Position:          position,
		RolloverUsed:      rolloverUsed,
		PaidEntries:       paidEntries,
		Cost:              cost,
		LoyaltyTier:       loyaltyState.Tier,
		LoyaltyMultiplier: loyaltyMultiplier,
		GeoBonus:          geoBonus,
		InGeoZone:         inGeoZone,
	}, nil
}

// quadraticCost prices paid entries 1, 4, 9, ... times priceUnit: the
// first non-free ticket costs 1x priceUnit, the next 4x, then 9x.
func quadraticCost(paidEntries int, priceUnit float64) float64 {
	var total float64
	for i := 1; i <= paidEntries; i++ {
		total += float64(i*i) * priceUnit
	}
	return total
}

func (d *Drop) totalTicketsLocked() int {
	total := 0
	for _, t := range d.state.ParticipantTickets {
		total += t
	}
	return total
}

// RunLottery executes the commit-reveal weighted lottery at
// registrationEnd. Re-entrant: a second call
// after phase has advanced past registration is a no-op, matching the
// "Drop never re-runs lottery" ordering guarantee.
func (d *Drop) RunLottery(now time.Time) {
	d.mu.Lock()
	if d.state.Phase != models.PhaseRegistration || d.lotteryRan {
		d.mu.Unlock()
		return
	}
	d.lotteryRan = true
	d.state.Phase = models.PhaseLottery

	users := make([]string, 0, len(d.state.ParticipantTickets))
	for u := range d.state.ParticipantTickets {
		users = append(users, u)
	}
	sort.Strings(users)

	leaves := make([]merkle.Leaf, len(users))
	weights := make([]float64, len(users))
	for i, u := range users {
		w := int64(math.Floor(float64(d.state.ParticipantTickets[u]) * d.state.ParticipantMultipliers[u]))
		leaves[i] = merkle.Leaf{UserID: u, Weight: w, Index: i}
		weights[i] = float64(w)
	}
	tree := merkle.Build(leaves)
	root := tree.RootHex()

	seed := cryptoutil.SHA256Hex(d.state.LotterySecret + "|" + root)

	inventory := d.state.Inventory
	backupCount := int(math.Ceil(float64(inventory) * (d.state.Config.BackupMultiplier - 1)))

	winners, backups := selectWinnersWithMultipliers(users, weights, inventory, backupCount, seed)

	d.state.ParticipantMerkleRoot = root
	d.state.ParticipantCount = tree.Size
	d.state.Winners = winners
	d.state.BackupWinners = backups

	proof := &models.LotteryProof{
		DropID:                d.state.DropID,
		Commitment:            d.state.LotteryCommitment,
		Secret:                d.state.LotterySecret,
		ParticipantMerkleRoot: root,
		ParticipantCount:      tree.Size,
		Seed:                  seed,
		Algorithm:             lotteryAlgorithm,
		Timestamp:             now,
		Winners:               winners,
		BackupWinners:         backups,
	}
	d.proof = proof

	winnerSet := make(map[string]bool, len(winners))
	for _, w := range winners {
		winnerSet[w] = true
	}
	backupPos := make(map[string]int, len(backups))
	for i, b := range backups {
		backupPos[b] = i + 1
	}

	expiresAt := now.Add(time.Duration(d.state.Config.PurchaseWindowSeconds) * time.Second)
	purchaseSecret := d.purchaseSecret
	dropID := d.state.DropID
	persist := d.persist

	d.backupQueue = append([]string(nil), backups...)
	d.pendingSlots = append([]string(nil), winners...)

	d.state.PurchaseEnd = &expiresAt
	d.state.Phase = models.PhasePurchase

	d.mu.Unlock()

	if persist != nil {
		go func(p models.LotteryProof) {
			if err := persist.SaveLotteryProof(p); err != nil {
				log.Printf("[Drop] failed to persist lottery proof for %s: %v", p.DropID, err)
			}
		}(*proof)
	}

	// Participant/loyalty notifications and token minting happen outside
	// the drop lock: they serialize on their own per-key actors.
	for _, u := range users {
		d.loyaltyMgr.RecordParticipation(u, dropID)
		switch {
		case winnerSet[u]:
			d.participantMgr.NotifyResult(dropID, u, true)
			if token, err := purchase.Generate(purchaseSecret, dropID, u, expiresAt); err == nil {
				d.participantMgr.SetToken(dropID, u, token, expiresAt)
			}
		case backupPos[u] > 0:
			d.participantMgr.NotifyBackup(dropID, u, backupPos[u])
		default:
			d.participantMgr.NotifyResult(dropID, u, false)
		}
	}

	d.publishState()

	d.mu.Lock()
	promoWindow := d.timing.PromoWindow
	d.mu.Unlock()
	if promoWindow <= 0 {
		promoWindow = time.Duration(d.state.Config.PurchaseWindowSeconds/4) * time.Second
		if promoWindow <= 0 {
			promoWindow = time.Second
		}
	}
	d.sweepTimer = time.AfterFunc(time.Until(expiresAt), func() { d.RunSweep(time.Now()) })
}

// RunSweep implements the purchase-window expiry sweep. It cascades: each round expires
// unpurchased slots, promotes one backup per expired slot, and — if any
// promotion happened — reschedules itself after the promo window; once a
// round promotes nobody (purchased, or backups exhausted) the drop
// completes.
func (d *Drop) RunSweep(now time.Time) {
	d.mu.Lock()
	if d.state.Phase != models.PhasePurchase {
		d.mu.Unlock()
		return
	}

	dropID := d.state.DropID
	purchaseSecret := d.purchaseSecret
	expiredPercent := 0.5
	slots := d.pendingSlots
	var nextSlots []string

	d.mu.Unlock()

	promoWindow := d.timing.PromoWindow
	if promoWindow <= 0 {
		promoWindow = time.Duration(d.state.Config.PurchaseWindowSeconds/4) * time.Second
		if promoWindow <= 0 {
			promoWindow = time.Second
		}
	}

	for _, u := range slots {
		p := d.participantMgr.Get(dropID, u)
		if p.Status != models.StatusWinner {
			continue // already purchased (or otherwise resolved)
		}
		d.participantMgr.NotifyExpiry(dropID, u, expiredPercent)

		d.mu.Lock()
		var nextBackup string
		if len(d.backupQueue) > 0 {
			nextBackup = d.backupQueue[0]
			d.backupQueue = d.backupQueue[1:]
		}
		d.mu.Unlock()

		if nextBackup == "" {
			continue
		}
		d.participantMgr.NotifyPromotion(dropID, nextBackup)
		promoExpiry := now.Add(promoWindow)
		if token, err := purchase.Generate(purchaseSecret, dropID, nextBackup, promoExpiry); err == nil {
			d.participantMgr.SetToken(dropID, nextBackup, token, promoExpiry)
		}
		nextSlots = append(nextSlots, nextBackup)
	}

	d.mu.Lock()
	if len(nextSlots) == 0 {
		d.state.Phase = models.PhaseCompleted
		d.pendingSlots = nil
		d.mu.Unlock()
		d.publishState()
		return
	}
	d.pendingSlots = nextSlots
	d.sweepRound++
	d.mu.Unlock()

	d.sweepTimer = time.AfterFunc(promoWindow, func() { d.RunSweep(time.Now()) })
}

// RecordPurchase is called by the HTTP edge after participant.CompletePurchase
// durably succeeds, maintaining invariant 7 (inventory == initialInventory
// - count(purchased)).
func (d *Drop) RecordPurchase() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Inventory > 0 {
		d.state.Inventory--
	}
}

// GetState returns the public status projection.
func (d *Drop) GetState() models.StatusProjection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildStateLocked()
}

// buildStateLocked assumes d.mu is already held.
func (d *Drop) buildStateLocked() models.StatusProjection {
	return models.StatusProjection{
		Phase:            d.state.Phase,
		ParticipantCount: len(d.state.ParticipantTickets),
		TotalTickets:     d.totalTicketsLocked(),
		Inventory:        d.state.Inventory,
		InitialInventory: d.state.InitialInventory,
		WinnerCount:      len(d.state.Winners),
		RegistrationEnd:  d.state.Config.RegistrationEnd,
		PurchaseEnd:      d.state.PurchaseEnd,
		LotteryCommitment: d.state.LotteryCommitment,
		TicketPricing: models.TicketPricing{
			Unit:        d.state.Config.TicketPriceUnit,
			FirstIsFree: true,
			MaxTickets:  d.state.Config.MaxTicketsPerUser,
		},
	}
}

// Summary returns the ActiveDropSummary row for GET /api/drop/active.
func (d *Drop) Summary() models.ActiveDropSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.ActiveDropSummary{
		DropID:          d.state.DropID,
		Phase:           d.state.Phase,
		RegistrationEnd: d.state.Config.RegistrationEnd,
	}
}

// Proof returns the published LotteryProof once phase >= purchase.
func (d *Drop) Proof() (models.LotteryProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proof == nil {
		return models.LotteryProof{}, apperr.NotFound("Lottery proof not yet available")
	}
	return *d.proof, nil
}

// publishState fetches a fresh snapshot under lock and publishes it. Callers
// must NOT hold d.mu.
func (d *Drop) publishState() {
	if d.bus == nil {
		return
	}
	d.mu.Lock()
	dropID := d.state.DropID
	snapshot := d.buildStateLocked()
	d.mu.Unlock()
	d.publishSnapshot(dropID, snapshot)
}

// publishSnapshot publishes an already-built snapshot; callers may hold or
// not hold d.mu, since it touches no Drop state itself.
func (d *Drop) publishSnapshot(dropID string, snapshot models.StatusProjection) {
	if d.bus == nil {
		return
	}
	data, err := marshalEvent("drop", snapshot)
	if err != nil {
		return
	}
	d.bus.Publish("drop."+dropID+".state", data)
}

// publishUser publishes the participant's current state; callers must NOT
// hold d.mu.
func (d *Drop) publishUser(dropID, userID string) {
	if d.bus == nil {
		return
	}
	state := d.participantMgr.Get(dropID, userID)
	data, err := marshalEvent("user", state)
	if err != nil {
		return
	}
	d.bus.Publish("drop."+dropID+".user."+userID, data)
}

