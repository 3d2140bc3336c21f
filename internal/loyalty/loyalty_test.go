package loyalty

import "testing"

func TestRecordParticipationAdvancesTier(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		m.RecordParticipation("alice", dropID(i))
	}
	state := m.State("alice")
	if state.Tier != "silver" {
		t.Fatalf("expected silver tier after 3 drops, got %s", state.Tier)
	}
}

func TestStreakBonusAppliesAtThreshold(t *testing.T) {
	m := NewManager()
	for i := 0; i < StreakThreshold; i++ {
		m.RecordParticipation("bob", dropID(i))
	}
	mult := m.GetMultiplier("bob")
	tier := m.tierFor(StreakThreshold)
	expected := tier.Multiplier + StreakBonus
	if expected > MaxMultiplier {
		expected = MaxMultiplier
	}
	if mult != expected {
		t.Fatalf("expected multiplier %f, got %f", expected, mult)
	}
}

func TestMultiplierNeverExceedsMax(t *testing.T) {
	m := NewManager()
	for i := 0; i < 50; i++ {
		m.RecordParticipation("carol", dropID(i))
	}
	if mult := m.GetMultiplier("carol"); mult > MaxMultiplier {
		t.Fatalf("expected multiplier capped at %f, got %f", MaxMultiplier, mult)
	}
}

func TestRepeatedDropIDIsIdempotent(t *testing.T) {
	m := NewManager()
	m.RecordParticipation("dave", "d1")
	m.RecordParticipation("dave", "d1")
	state := m.State("dave")
	if state.CurrentStreak != 1 {
		t.Fatalf("expected streak 1 after repeating same drop, got %d", state.CurrentStreak)
	}
	if len(state.DropsParticipated) != 1 {
		t.Fatalf("expected 1 distinct drop, got %d", len(state.DropsParticipated))
	}
}

func dropID(i int) string {
	return string(rune('a' + i))
}
