// Package cryptoutil collects the crypto and format primitives shared by
// the trust gate, purchase tokens, and the lottery commit-reveal scheme:
// SHA-256 digests, HMAC signing, CSPRNG byte generation, base64url
// encoding, and timing-safe comparison.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// SHA256Bytes returns the raw SHA-256 digest of data.
func SHA256Bytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// RandomHex returns n random bytes hex-encoded (2n characters).
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptoutil: random read failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomBase64URL returns n random bytes, base64url-encoded without padding.
func RandomBase64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptoutil: random read failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Base64URLEncode encodes raw bytes as unpadded base64url.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes unpadded base64url.
func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// HMACSHA256 returns the raw HMAC-SHA256 of message under secret.
func HMACSHA256(secret, message string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// HMACSHA256Hex is HMACSHA256 hex-encoded.
func HMACSHA256Hex(secret, message string) string {
	return hex.EncodeToString(HMACSHA256(secret, message))
}

// TimingSafeEqual compares two strings in constant time, guarding token
// and signature comparisons against timing side channels.
func TimingSafeEqual(a, b string) bool {
	// ConstantTimeCompare itself is only constant-time for equal-length
	// inputs; comparing lengths first leaks only the length, never the
	// content.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
