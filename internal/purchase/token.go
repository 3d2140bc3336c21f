// Package purchase implements the self-verifying purchase token: a short
// id, an expiry, and an HMAC signature over
// "dropId:userId:shortId:expiry", so any process can verify a token
// without consulting the Drop object that minted it. Verification uses
// a constant-time comparison, the same posture as a bearer-token check.
package purchase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/cryptoutil"
)

const shortIDBytes = 12
const sigTruncateLen = 16 // bytes of base64url text kept from the HMAC

// Generate mints a purchase token for (dropId, userId) that expires at
// expiresAt, signed with secret.
func Generate(secret, dropID, userID string, expiresAt time.Time) (string, error) {
	shortID, err := cryptoutil.RandomBase64URL(shortIDBytes)
	if err != nil {
		return "", fmt.Errorf("purchase: failed to generate short id: %w", err)
	}
	expirySecs := expiresAt.Unix()
	expiryB36 := strconv.FormatInt(expirySecs, 36)
	sig := signature(secret, dropID, userID, shortID, expiryB36)
	return fmt.Sprintf("%s.%s.%s", shortID, expiryB36, sig), nil
}

func signature(secret, dropID, userID, shortID, expiryB36 string) string {
	message := fmt.Sprintf("%s:%s:%s:%s", dropID, userID, shortID, expiryB36)
	full := cryptoutil.Base64URLEncode(cryptoutil.HMACSHA256(secret, message))
	if len(full) > sigTruncateLen {
		return full[:sigTruncateLen]
	}
	return full
}

// VerifyResult is what a successful Verify returns.
type VerifyResult struct {
	Valid     bool
	ExpiresAt time.Time
}

// Verify checks token against (secret, dropId, userId), using a
// timing-safe signature comparison and rejecting expired tokens.
func Verify(token, secret, dropID, userID string, now time.Time) (VerifyResult, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return VerifyResult{}, apperr.TokenInvalid("Malformed purchase token")
	}
	shortID, expiryB36, suppliedSig := parts[0], parts[1], parts[2]

	expirySecs, err := strconv.ParseInt(expiryB36, 36, 64)
	if err != nil {
		return VerifyResult{}, apperr.TokenInvalid("Malformed purchase token expiry")
	}
	expiresAt := time.Unix(expirySecs, 0)

	expectedSig := signature(secret, dropID, userID, shortID, expiryB36)
	if !cryptoutil.TimingSafeEqual(expectedSig, suppliedSig) {
		return VerifyResult{}, apperr.TokenInvalid("Invalid purchase token signature")
	}

	if now.After(expiresAt) {
		return VerifyResult{}, apperr.TokenExpired("Token expired")
	}

	return VerifyResult{Valid: true, ExpiresAt: expiresAt}, nil
}
