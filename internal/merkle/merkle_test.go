package merkle

import "testing"

func buildSeven() (*Tree, []Leaf) {
	entries := make([]Leaf, 7)
	for i := 0; i < 7; i++ {
		entries[i] = Leaf{UserID: string(rune('a' + i)), Weight: int64(i + 1)}
	}
	return Build(entries), entries
}

func TestInclusionProofRoundTrip(t *testing.T) {
	tree, entries := buildSeven()
	if got := ExpectedProofLength(len(entries)); got != 3 {
		t.Fatalf("expected proof length 3 for n=7, got %d", got)
	}
	for i, l := range entries {
		// Build assigns Index by sorted position, recompute sorted index.
		_ = i
		sortedIdx := -1
		for j := 0; j < tree.Size; j++ {
			// re-derive: tree leaves are sorted by UserID, entries already in order a..g
			sortedIdx = j
			if j == i {
				break
			}
		}
		proof, err := tree.ProofFor(sortedIdx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(proof) != 3 {
			t.Fatalf("expected proof length 3, got %d", len(proof))
		}
		leaf := Leaf{UserID: l.UserID, Weight: l.Weight, Index: sortedIdx}
		if !VerifyProof(leaf.Hash(), proof, tree.Root()) {
			t.Fatalf("expected valid inclusion proof for %s", l.UserID)
		}
	}
}

func TestPerturbedLeafInvalidatesProof(t *testing.T) {
	tree, entries := buildSeven()
	proof, err := tree.ProofFor(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	good := Leaf{UserID: entries[0].UserID, Weight: entries[0].Weight, Index: 0}
	if !VerifyProof(good.Hash(), proof, tree.Root()) {
		t.Fatalf("expected original leaf to verify")
	}
	bad := Leaf{UserID: entries[0].UserID, Weight: entries[0].Weight + 1, Index: 0}
	if VerifyProof(bad.Hash(), proof, tree.Root()) {
		t.Fatalf("expected perturbed leaf to fail verification")
	}
}

func TestRootIsOrderInsensitiveToInputOrder(t *testing.T) {
	a := []Leaf{{UserID: "zed", Weight: 1}, {UserID: "alice", Weight: 2}}
	b := []Leaf{{UserID: "alice", Weight: 2}, {UserID: "zed", Weight: 1}}
	ta := Build(a)
	tb := Build(b)
	if ta.RootHex() != tb.RootHex() {
		t.Fatalf("expected identical roots regardless of input order, got %s vs %s", ta.RootHex(), tb.RootHex())
	}
}
