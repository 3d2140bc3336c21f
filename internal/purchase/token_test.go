package purchase

import (
	"testing"
	"time"

	"github.com/rawblock/dropengine/internal/apperr"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	exp := now.Add(10 * time.Minute)
	tok, err := Generate("secret", "d1", "alice", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := Verify(tok, "secret", "d1", "alice", now)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid token")
	}
	if res.ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("expected expiry %v, got %v", exp, res.ExpiresAt)
	}
}

func TestVerifyRejectsBitFlip(t *testing.T) {
	now := time.Now()
	tok, _ := Generate("secret", "d1", "alice", now.Add(time.Minute))
	flipped := tok[:len(tok)-1] + flip(tok[len(tok)-1])
	_, err := Verify(flipped, "secret", "d1", "alice", now)
	if err == nil {
		t.Fatalf("expected bit-flipped token to fail verification")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Now()
	tok, _ := Generate("secret", "d1", "alice", now.Add(-time.Second))
	_, err := Verify(tok, "secret", "d1", "alice", now)
	if err == nil {
		t.Fatalf("expected expired token to fail")
	}
	appErr, ok := err.(*apperr.Error)
	if !ok || appErr.Kind != apperr.KindTokenExpired {
		t.Fatalf("expected TokenExpired kind, got %v", err)
	}
}

func TestVerifyRejectsWrongUser(t *testing.T) {
	now := time.Now()
	tok, _ := Generate("secret", "d1", "alice", now.Add(time.Minute))
	_, err := Verify(tok, "secret", "d1", "mallory", now)
	if err == nil {
		t.Fatalf("expected token bound to alice to fail for mallory")
	}
}

func flip(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
