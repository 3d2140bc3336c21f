package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/rawblock/dropengine/internal/kv"
	"github.com/rawblock/dropengine/pkg/models"
)

func sha256sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hasLeadingZeros(digestHex string, n int) bool {
	return strings.HasPrefix(digestHex, strings.Repeat("0", n))
}

func TestPowVerifyIsOneTime(t *testing.T) {
	store := kv.New(0)
	issuer := NewPowIssuer(store, 1, time.Minute)
	ch, err := issuer.Issue()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Brute-force a solution satisfying difficulty=1 (one leading hex zero).
	solution := bruteForce(t, ch.Challenge, 1)

	ok, err := issuer.Verify(ch.Challenge, solution)
	if err != nil || !ok {
		t.Fatalf("expected valid solution to verify, ok=%v err=%v", ok, err)
	}

	_, err = issuer.Verify(ch.Challenge, solution)
	if err == nil {
		t.Fatalf("expected second verify of same challenge to fail")
	}
}

func bruteForce(t *testing.T, challenge string, difficulty int) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		sol := string(rune(i%26+'a')) + string(rune((i/26)%26+'a')) + string(rune((i/676)%26+'a'))
		sum := sha256sum(challenge + sol)
		if hasLeadingZeros(sum, difficulty) {
			return sol
		}
	}
	t.Fatalf("failed to brute-force a pow solution")
	return ""
}

func TestGateRejectsOnPowFailure(t *testing.T) {
	g := NewGate(50, nil, 0)
	res, err := g.Evaluate(context.Background(), models.BotValidation{}, false, nil, [10]float64{})
	if err == nil {
		t.Fatalf("expected error on pow failure")
	}
	if res.Allowed {
		t.Fatalf("expected not allowed on pow failure")
	}
}

func TestGateAllowsHighConfidenceRequest(t *testing.T) {
	g := NewGate(50, nil, 0)
	validation := models.BotValidation{FingerprintConfidence: 0.95, TimingMs: 1500}
	behavior := 90.0
	res, err := g.Evaluate(context.Background(), validation, true, &behavior, [10]float64{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected high-confidence request to be allowed, score=%f", res.TrustScore)
	}
}

func TestGateRejectsLowConfidenceRequest(t *testing.T) {
	g := NewGate(50, nil, 0)
	validation := models.BotValidation{FingerprintConfidence: 0.05, TimingMs: 10}
	behavior := 5.0
	res, err := g.Evaluate(context.Background(), validation, true, &behavior, [10]float64{})
	if err == nil {
		t.Fatalf("expected low-confidence request to be rejected")
	}
	if res.Allowed {
		t.Fatalf("expected not allowed")
	}
}

type slowScorer struct{ delay time.Duration }

func (s slowScorer) Score(ctx context.Context, features [10]float64) (float64, error) {
	select {
	case <-time.After(s.delay):
		return 0.9, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestMLTimeoutFallsBackToNeutral(t *testing.T) {
	g := NewGate(1, slowScorer{delay: time.Second}, 10*time.Millisecond)
	validation := models.BotValidation{FingerprintConfidence: 0.5, TimingMs: 1000}
	behavior := 50.0
	res, err := g.Evaluate(context.Background(), validation, true, &behavior, [10]float64{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// With neutral ML fallback (50) and all mid-range inputs, score should
	// land near 50-75, well above a threshold of 1.
	if !res.Allowed {
		t.Fatalf("expected allowed with neutral ML fallback, score=%f", res.TrustScore)
	}
}
