package db

import "testing"

func TestNullableStringConvertsEmptyToNil(t *testing.T) {
	if got := nullableString(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
	if got := nullableString("abc"); got != "abc" {
		t.Fatalf("expected \"abc\" to pass through unchanged, got %v", got)
	}
}
