// Package trust implements the proof-of-work challenge and the composite
// trust score that gates drop registration.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/cryptoutil"
	"github.com/rawblock/dropengine/internal/kv"
)

// challengeKeyPrefix namespaces PoW entries inside the shared KV store.
const challengeKeyPrefix = "pow_challenge:"

// PowIssuer issues and verifies proof-of-work challenges.
type PowIssuer struct {
	store      *kv.Store
	difficulty int
	maxAge     time.Duration
}

// NewPowIssuer wires a challenge issuer to a KV store with the given
// leading-zero difficulty and challenge lifetime.
func NewPowIssuer(store *kv.Store, difficulty int, maxAge time.Duration) *PowIssuer {
	return &PowIssuer{store: store, difficulty: difficulty, maxAge: maxAge}
}

// Challenge is the response to GET /api/pow/challenge.
type Challenge struct {
	Challenge  string `json:"challenge"`
	Difficulty int    `json:"difficulty"`
	Timestamp  int64  `json:"timestamp"`
}

// Issue mints a new challenge of the form "timestampMs:hex(16bytes)" and
// stores it keyed by itself so Verify can confirm it was actually issued.
func (p *PowIssuer) Issue() (Challenge, error) {
	nonce, err := cryptoutil.RandomHex(16)
	if err != nil {
		return Challenge{}, fmt.Errorf("trust: failed to generate pow nonce: %w", err)
	}
	nowMs := time.Now().UnixMilli()
	challengeStr := fmt.Sprintf("%d:%s", nowMs, nonce)
	p.store.Set(challengeKeyPrefix+challengeStr, true, p.maxAge)
	return Challenge{Challenge: challengeStr, Difficulty: p.difficulty, Timestamp: nowMs}, nil
}

// Verify is a one-time check: it atomically fetches-and-deletes the
// challenge so a second verification with the same challenge always
// fails, then confirms SHA256(challenge||solution) has
// `difficulty` leading hex zeros.
func (p *PowIssuer) Verify(challenge, solution string) (bool, error) {
	if _, ok := p.store.GetAndDelete(challengeKeyPrefix + challenge); !ok {
		return false, apperr.Validation("POW_FAILED", "Unknown or already-used proof-of-work challenge")
	}
	if !validChallengeShape(challenge) {
		return false, apperr.Validation("POW_FAILED", "Malformed proof-of-work challenge")
	}
	sum := sha256.Sum256([]byte(challenge + solution))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", p.difficulty)), nil
}

func validChallengeShape(challenge string) bool {
	parts := strings.SplitN(challenge, ":", 2)
	if len(parts) != 2 {
		return false
	}
	_, err := strconv.ParseInt(parts[0], 10, 64)
	return err == nil
}
