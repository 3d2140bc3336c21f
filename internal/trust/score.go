package trust

import (
	"context"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/pkg/models"
)

// Composite trust-score weights. These four sum to 1.0.
const (
	WeightFingerprint = 0.40
	WeightTiming      = 0.20
	WeightBehavior    = 0.25
	WeightML          = 0.15

	// neutralComponent is used whenever a signal is unavailable (no
	// behavior score supplied, ML scorer disabled/timed out): fall back to
	// a documented neutral value and keep evaluating rather than reject.
	neutralComponent = 50.0

	minHealthyTimingMs = 200.0
	maxHealthyTimingMs = 10 * 60 * 1000.0
)

// Scorer is the pluggable ML anomaly-detection surface: any
// concrete model — isolation forest, gradient boosted, rule-based —
// satisfies this interface. It must respect ctx's deadline; Score is
// expected to return within that deadline or the caller treats it as a
// timeout and falls back to the neutral score.
type Scorer interface {
	Score(ctx context.Context, features [10]float64) (anomalyScore float64, err error)
}

// Result is calculateTrustScore's verdict.
type Result struct {
	Allowed    bool    `json:"allowed"`
	TrustScore float64 `json:"trustScore"`
	Reason     string  `json:"reason,omitempty"`
}

// Gate composes the PoW result, fingerprint/timing evidence, optional
// behavior score, and optional ML scorer into a single 0-100 trust score
// and an allow/deny verdict.
type Gate struct {
	MinTrustScore float64
	Scorer        Scorer // nil disables the ML component
	MLTimeout     time.Duration
}

// NewGate builds a trust gate with the given pass threshold. scorer may
// be nil to run without the ML component (neutral fallback always used).
func NewGate(minTrustScore float64, scorer Scorer, mlTimeout time.Duration) *Gate {
	if mlTimeout <= 0 {
		mlTimeout = 200 * time.Millisecond
	}
	return &Gate{MinTrustScore: minTrustScore, Scorer: scorer, MLTimeout: mlTimeout}
}

// Evaluate runs the full trust-gate contract.
func (g *Gate) Evaluate(ctx context.Context, validation models.BotValidation, powOK bool, behaviorScore *float64, features [10]float64) (Result, error) {
	if !powOK {
		return Result{Allowed: false, TrustScore: 0, Reason: "Invalid proof-of-work"},
			apperr.BotRejected("POW_FAILED", "Invalid proof-of-work")
	}

	fpComponent := clamp(validation.FingerprintConfidence*100, 0, 100)
	timingComponent := g.timingComponent(validation.TimingMs)
	behaviorComponent := neutralComponent
	if behaviorScore != nil {
		behaviorComponent = clamp(*behaviorScore, 0, 100)
	}
	mlComponent := g.mlComponent(ctx, features)

	score := WeightFingerprint*fpComponent +
		WeightTiming*timingComponent +
		WeightBehavior*behaviorComponent +
		WeightML*mlComponent
	score = clamp(score, 0, 100)

	allowed := score >= g.MinTrustScore
	result := Result{Allowed: allowed, TrustScore: score}
	if !allowed {
		result.Reason = "Trust score below minimum threshold"
		return result, apperr.BotRejected("TRUST_SCORE_LOW", result.Reason)
	}
	return result, nil
}

// timingComponent penalizes responses submitted implausibly fast
// (< 200ms, likely scripted) or implausibly slow (> 10 minutes, likely a
// stale/replayed session), scoring a healthy mid-range response at 100.
func (g *Gate) timingComponent(timingMs float64) float64 {
	switch {
	case timingMs < minHealthyTimingMs:
		// Linearly scale down to 0 at timingMs == 0.
		return clamp(100*timingMs/minHealthyTimingMs, 0, 100)
	case timingMs > maxHealthyTimingMs:
		overage := timingMs - maxHealthyTimingMs
		penalty := clamp(overage/maxHealthyTimingMs*100, 0, 100)
		return clamp(100-penalty, 0, 100)
	default:
		return 100
	}
}

// mlComponent runs the pluggable anomaly scorer under a bounded timeout;
// mlComponent = 100 - 100*anomalyScore. Disabled scorer or timeout yields
// the neutral fallback and the gate proceeds.
func (g *Gate) mlComponent(ctx context.Context, features [10]float64) float64 {
	if g.Scorer == nil {
		return neutralComponent
	}

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)
	scopedCtx, cancel := context.WithTimeout(ctx, g.MLTimeout)
	defer cancel()

	go func() {
		s, err := g.Scorer.Score(scopedCtx, features)
		done <- outcome{score: s, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return neutralComponent
		}
		return clamp(100-100*out.score, 0, 100)
	case <-scopedCtx.Done():
		return neutralComponent
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
