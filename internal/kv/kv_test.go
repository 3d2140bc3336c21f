package kv

import (
	"testing"
	"time"
)

func TestGetAndDeleteIsOneTime(t *testing.T) {
	s := New(0)
	s.Set("challenge:1", "nonce-payload", time.Minute)

	v, ok := s.GetAndDelete("challenge:1")
	if !ok || v != "nonce-payload" {
		t.Fatalf("expected first GetAndDelete to succeed, got %v, %v", v, ok)
	}

	_, ok = s.GetAndDelete("challenge:1")
	if ok {
		t.Fatalf("expected second GetAndDelete on same key to fail")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(0)
	s.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if s.Exists("k") {
		t.Fatalf("expected key to have expired")
	}
}

func TestIncrAtomicCounter(t *testing.T) {
	s := New(0)
	for i := 0; i < 5; i++ {
		s.Incr("ctr", time.Minute)
	}
	if got := s.CountOf("ctr"); got != 5 {
		t.Fatalf("expected counter 5, got %d", got)
	}
}

func TestSweepLoopRemovesExpiredEntries(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Set("k", "v", 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	s.mu.Lock()
	_, stillPresent := s.entries["k"]
	s.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected sweep loop to have removed expired entry")
	}
}
