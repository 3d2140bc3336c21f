package cryptoutil

import "testing"

func TestSHA256HexDeterministic(t *testing.T) {
	a := SHA256Hex("seed-value")
	b := SHA256Hex("seed-value")
	if a != b {
		t.Fatalf("expected deterministic digest, got %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHMACSHA256HexMatchesVerify(t *testing.T) {
	sig := HMACSHA256Hex("secret", "dropId:userId:shortId:expiry")
	other := HMACSHA256Hex("secret", "dropId:userId:shortId:expiry")
	if !TimingSafeEqual(sig, other) {
		t.Fatalf("expected matching signatures to compare equal")
	}
	if TimingSafeEqual(sig, other+"x") {
		t.Fatalf("expected differing-length signatures to compare unequal")
	}
	flipped := sig[:len(sig)-1] + flipHexChar(sig[len(sig)-1])
	if TimingSafeEqual(sig, flipped) {
		t.Fatalf("expected single-character flip to invalidate signature")
	}
}

func flipHexChar(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}

func TestRandomHexLength(t *testing.T) {
	h, err := RandomHex(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) != 32 {
		t.Fatalf("expected 32 hex chars for 16 bytes, got %d", len(h))
	}
}
