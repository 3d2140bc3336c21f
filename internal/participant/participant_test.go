package participant

import (
	"testing"
	"time"

	"github.com/rawblock/dropengine/internal/purchase"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/pkg/models"
)

func newTestManager() (*Manager, *rollover.Manager) {
	rm := rollover.NewManager()
	return NewManager(rm, "secret"), rm
}

func TestHappyPathWinnerPurchase(t *testing.T) {
	m, _ := newTestManager()
	res := m.SetRegistered("d1", "alice", 1, 1, 0, 0)
	if !res.Success {
		t.Fatalf("expected registration to succeed")
	}

	res = m.NotifyResult("d1", "alice", true)
	if !res.Success || res.State.Status != models.StatusWinner {
		t.Fatalf("expected winner transition to succeed, got %+v", res)
	}

	now := time.Now()
	exp := now.Add(10 * time.Minute)
	token, err := purchase.Generate("secret", "d1", "alice", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res = m.SetToken("d1", "alice", token, exp)
	if !res.Success {
		t.Fatalf("expected setToken to succeed")
	}

	txResult, err := m.CompletePurchase("d1", "alice", token, now)
	if err != nil {
		t.Fatalf("unexpected purchase error: %v", err)
	}
	if !txResult.Success || txResult.State.Status != models.StatusPurchased {
		t.Fatalf("expected purchased status, got %+v", txResult)
	}

	// Repeated purchase must be rejected as AlreadyPurchased.
	_, err = m.CompletePurchase("d1", "alice", token, now)
	if err == nil {
		t.Fatalf("expected repeated purchase to fail")
	}
}

func TestLossGrantsFullRollover(t *testing.T) {
	m, rm := newTestManager()
	m.SetRegistered("d1", "bob", 3, 3, 0, 2)
	m.NotifyResult("d1", "bob", false)
	if b := rm.Balance("bob"); b != 2 {
		t.Fatalf("expected rollover balance 2 after loss, got %d", b)
	}
}

func TestExpiryGrantsHalfRollover(t *testing.T) {
	m, rm := newTestManager()
	m.SetRegistered("d1", "carol", 3, 3, 0, 2)
	m.NotifyResult("d1", "carol", true)
	m.NotifyExpiry("d1", "carol", 0.5)
	if b := rm.Balance("carol"); b != 1 {
		t.Fatalf("expected floor(2*0.5)=1 rollover after expiry, got %d", b)
	}
}

func TestBackupPromotionThenSetToken(t *testing.T) {
	m, _ := newTestManager()
	m.SetRegistered("d1", "dave", 1, 1, 0, 0)
	m.NotifyResult("d1", "dave", false) // dave is now a loser, which cannot become a backup
	// Reset to registered-like path: use a fresh user for backup flow.
	m2, _ := newTestManager()
	m2.SetRegistered("d1", "erin", 1, 1, 0, 0)
	res := m2.NotifyBackup("d1", "erin", 1)
	if !res.Success || res.State.Status != models.StatusBackupWinner {
		t.Fatalf("expected backup_winner status, got %+v", res)
	}
	res = m2.NotifyPromotion("d1", "erin")
	if !res.Success || res.State.Status != models.StatusWinner {
		t.Fatalf("expected promotion to winner, got %+v", res)
	}
	res = m2.SetToken("d1", "erin", "promo-token", time.Now().Add(time.Minute))
	if !res.Success || res.State.PurchaseToken != "promo-token" {
		t.Fatalf("expected setToken to succeed on a promoted winner, got %+v", res)
	}
}

func TestInvalidTransitionIsNoOp(t *testing.T) {
	m, _ := newTestManager()
	// Never registered: notifyResult should no-op.
	res := m.NotifyResult("d1", "frank", true)
	if res.Success {
		t.Fatalf("expected no-op failure for unregistered participant")
	}
	if got := m.Get("d1", "frank").Status; got != models.StatusNotRegistered {
		t.Fatalf("expected status unchanged at not_registered, got %s", got)
	}
}

func TestCompletePurchaseRejectsExpiredToken(t *testing.T) {
	m, _ := newTestManager()
	m.SetRegistered("d1", "gina", 1, 1, 0, 0)
	m.NotifyResult("d1", "gina", true)
	now := time.Now()
	exp := now.Add(-time.Minute)
	token, _ := purchase.Generate("secret", "d1", "gina", exp)
	m.SetToken("d1", "gina", token, exp)
	_, err := m.CompletePurchase("d1", "gina", token, now)
	if err == nil {
		t.Fatalf("expected expired token purchase to fail")
	}
}
