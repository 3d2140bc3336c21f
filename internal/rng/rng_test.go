package rng

import "testing"

func TestSeededRNGDeterministic(t *testing.T) {
	a := NewSeededRNG("abc123")
	b := NewSeededRNG("abc123")
	for i := 0; i < 20; i++ {
		x, y := a.Next(), b.Next()
		if x != y {
			t.Fatalf("draw %d diverged: %f vs %f", i, x, y)
		}
		if x < 0 || x >= 1 {
			t.Fatalf("draw %d out of [0,1): %f", i, x)
		}
	}
}

func TestFenwickPrefixSumAndTotal(t *testing.T) {
	ft := NewFenwickTree([]float64{1, 2, 3, 4, 5})
	if ft.TotalSum() != 15 {
		t.Fatalf("expected total 15, got %f", ft.TotalSum())
	}
	if ft.PrefixSum(0) != 1 {
		t.Fatalf("expected prefix(0)=1, got %f", ft.PrefixSum(0))
	}
	if ft.PrefixSum(4) != 15 {
		t.Fatalf("expected prefix(4)=15, got %f", ft.PrefixSum(4))
	}
}

func TestFenwickFindIndexAndZero(t *testing.T) {
	ft := NewFenwickTree([]float64{10, 10, 10, 10})
	// target in [0,10) -> index 0; [10,20) -> index 1; etc.
	if i := ft.FindIndex(5); i != 0 {
		t.Fatalf("expected index 0, got %d", i)
	}
	if i := ft.FindIndex(15); i != 1 {
		t.Fatalf("expected index 1, got %d", i)
	}
	ft.Zero(1)
	if ft.TotalSum() != 30 {
		t.Fatalf("expected total 30 after zeroing index 1, got %f", ft.TotalSum())
	}
	// index 1 now has weight 0, so any target past index 0's weight lands on index 2.
	if i := ft.FindIndex(10); i != 2 {
		t.Fatalf("expected index 2 after zeroing index 1, got %d", i)
	}
}

func TestWeightedSelectionWithoutReplacementDeterministic(t *testing.T) {
	weights := []float64{1, 5, 2, 8, 3}
	run := func(seed string) []int {
		r := NewSeededRNG(seed)
		ft := NewFenwickTree(weights)
		var picks []int
		for k := 0; k < 3; k++ {
			total := ft.TotalSum()
			target := r.NextScaled(total)
			idx := ft.FindIndex(target)
			picks = append(picks, idx)
			ft.Zero(idx)
		}
		return picks
	}
	a := run("seed-a")
	b := run("seed-a")
	if len(a) != len(b) {
		t.Fatalf("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pick %d diverged: %d vs %d", i, a[i], b[i])
		}
	}
}
