// Package merkle builds the deterministic participant commitment used to
// bind the lottery seed to the exact registration set, and
// verifies inclusion proofs against a published root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// Leaf is one committed participant entry.
type Leaf struct {
	UserID string
	Weight int64 // floor(tickets * multiplier)
	Index  int   // position in the sorted participant list
}

// Hash returns the leaf's commitment: SHA256(userId || ":" || weight || ":" || index).
func (l Leaf) Hash() [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", l.UserID, l.Weight, l.Index)))
}

// Tree is a binary Merkle tree over sorted participant leaves. Parent nodes
// combine children order-insensitively (sorting the pair before hashing) so
// inclusion proofs carry sibling hashes only, never left/right directions.
type Tree struct {
	levels [][][32]byte // levels[0] = leaves, levels[last] = {root}
	Size   int
}

// Build sorts entries by userId, hashes the leaves, and folds levels up to
// the root. Odd nodes at a level duplicate themselves.
func Build(entries []Leaf) *Tree {
	sorted := make([]Leaf, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })
	for i := range sorted {
		sorted[i].Index = i
	}

	leaves := make([][32]byte, len(sorted))
	for i, l := range sorted {
		leaves[i] = l.Hash()
	}

	t := &Tree{Size: len(sorted)}
	if len(leaves) == 0 {
		t.levels = [][][32]byte{{}}
		return t
	}

	t.levels = append(t.levels, leaves)
	current := leaves
	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			var right [32]byte
			if i+1 < len(current) {
				right = current[i+1]
			} else {
				right = current[i] // odd node duplicates
			}
			next = append(next, combine(left, right))
		}
		t.levels = append(t.levels, next)
		current = next
	}
	return t
}

// combine hashes two sibling nodes after sorting them lexicographically, so
// proof verification never needs to know which side a sibling was on.
func combine(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return sha256.Sum256(buf)
}

// Root returns the tree's commitment. The empty tree's root is SHA256 of
// nothing committed (Size == 0 callers should special-case rather than
// publish this).
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return sha256.Sum256(nil)
	}
	return top[0]
}

// RootHex is Root() hex-encoded, the form published in LotteryProof.
func (t *Tree) RootHex() string {
	r := t.Root()
	return hex.EncodeToString(r[:])
}

// Proof is the list of sibling hashes needed to recompute the root from a
// single leaf, ⌈log2 n⌉ entries long.
type Proof [][32]byte

// ProofFor returns the inclusion proof for the leaf at position idx in the
// sorted order Build() assigned (i.e. Leaf.Index).
func (t *Tree) ProofFor(idx int) (Proof, error) {
	if idx < 0 || idx >= t.Size {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", idx, t.Size)
	}
	var proof Proof
	pos := idx
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling [32]byte
		if pos%2 == 0 {
			if pos+1 < len(nodes) {
				sibling = nodes[pos+1]
			} else {
				sibling = nodes[pos] // duplicated odd node
			}
		} else {
			sibling = nodes[pos-1]
		}
		proof = append(proof, sibling)
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from leafHash and proof and compares it
// to root, in O(log n).
func VerifyProof(leafHash [32]byte, proof Proof, root [32]byte) bool {
	current := leafHash
	for _, sibling := range proof {
		current = combine(current, sibling)
	}
	return bytes.Equal(current[:], root[:])
}

// ExpectedProofLength is ⌈log2(n)⌉, the size a proof for n participants
// should have.
func ExpectedProofLength(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
