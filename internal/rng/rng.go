// Package rng provides the deterministic PRNG and Fenwick (binary indexed)
// tree that back the weighted lottery. Both are pure, allocation-light, and
// reproducible: the same seed and the same sequence of weight updates always
// produce the same draws, which is the property the lottery's determinism
// invariant depends on.
package rng

import "encoding/binary"

// SeededRNG is a linear congruential generator seeded by folding a hex
// string (the lottery seed) into a 32-bit state. It is not cryptographically
// secure — it doesn't need to be, since the seed itself is derived from a
// SHA-256 commitment — but it is cheap and perfectly reproducible.
type SeededRNG struct {
	state uint32
}

// NewSeededRNG folds seedHex into a 32-bit state via FNV-1a-style mixing.
func NewSeededRNG(seedHex string) *SeededRNG {
	return &SeededRNG{state: foldSeed(seedHex)}
}

// NewSeededRNGFromBytes seeds directly from raw bytes (e.g. a SHA-256 sum),
// using the first 4 bytes big-endian as the initial state.
func NewSeededRNGFromBytes(seed []byte) *SeededRNG {
	var padded [4]byte
	copy(padded[:], seed)
	state := binary.BigEndian.Uint32(padded[:])
	if state == 0 {
		state = 0x9e3779b9
	}
	return &SeededRNG{state: state}
}

func foldSeed(seedHex string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(seedHex); i++ {
		h ^= uint32(seedHex[i])
		h *= 16777619
	}
	if h == 0 {
		h = 0x9e3779b9
	}
	return h
}

// Next returns the next pseudo-random float64 in [0, 1), advancing state
// per the LCG recurrence state = (state*1664525 + 1013904223) mod 2^32.
func (r *SeededRNG) Next() float64 {
	r.state = r.state*1664525 + 1013904223
	return float64(r.state) / 4294967296.0 // 2^32
}

// NextScaled draws a uniform float scaled to [0, total) — used to pick
// a target prefix sum for Fenwick-tree weighted selection.
func (r *SeededRNG) NextScaled(total float64) float64 {
	return r.Next() * total
}

// FenwickTree is a binary indexed tree over n weighted items supporting
// O(log n) point updates, prefix sums, and target-index lookup, which
// together allow weighted sampling without replacement in O(k log n) time
// and O(n) memory — no ticket-pool expansion.
type FenwickTree struct {
	tree  []float64 // 1-indexed
	n     int
	total float64
}

// NewFenwickTree builds a tree from n initial weights.
func NewFenwickTree(weights []float64) *FenwickTree {
	n := len(weights)
	ft := &FenwickTree{tree: make([]float64, n+1), n: n}
	for i, w := range weights {
		ft.Update(i, w)
	}
	return ft
}

// Update adds delta to the weight at index i (0-based).
func (ft *FenwickTree) Update(i int, delta float64) {
	ft.total += delta
	for idx := i + 1; idx <= ft.n; idx += idx & (-idx) {
		ft.tree[idx] += delta
	}
}

// Zero removes index i entirely by subtracting its current weight, used to
// exclude an already-selected participant from further draws.
func (ft *FenwickTree) Zero(i int) {
	w := ft.weightAt(i)
	if w != 0 {
		ft.Update(i, -w)
	}
}

func (ft *FenwickTree) weightAt(i int) float64 {
	return ft.PrefixSum(i) - ft.PrefixSum(i-1)
}

// PrefixSum returns the sum of weights in [0, i] (0-based, inclusive).
// PrefixSum(-1) is defined as 0.
func (ft *FenwickTree) PrefixSum(i int) float64 {
	if i < 0 {
		return 0
	}
	var sum float64
	for idx := i + 1; idx > 0; idx -= idx & (-idx) {
		sum += ft.tree[idx]
	}
	return sum
}

// TotalSum returns the sum of all current weights.
func (ft *FenwickTree) TotalSum() float64 {
	return ft.total
}

// FindIndex returns the smallest index i such that PrefixSum(i) > target,
// i.e. the weighted bucket that target falls into (bucket i covers
// [PrefixSum(i-1), PrefixSum(i)), so zero-weight items are never chosen).
// If target is at or past the total weight, it returns the last index,
// n-1.
func (ft *FenwickTree) FindIndex(target float64) int {
	idx := 0
	// Largest power of two <= n, used for the standard Fenwick binary search.
	logN := 1
	for logN*2 <= ft.n {
		logN *= 2
	}
	remaining := target
	for bit := logN; bit > 0; bit /= 2 {
		next := idx + bit
		if next <= ft.n && ft.tree[next] <= remaining {
			idx = next
			remaining -= ft.tree[next]
		}
	}
	if idx >= ft.n {
		return ft.n - 1
	}
	return idx // 0-based index of the first element whose prefix sum passes target
}
