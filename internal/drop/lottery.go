package drop

import "github.com/rawblock/dropengine/internal/rng"

// selectWinnersWithMultipliers draws winnerCount winners then backupCount
// backups without replacement from users, weighted by weights, using a
// Fenwick tree for O(log n) selection. users and weights must be the same
// length and in the same (sorted) order the Merkle tree was built from,
// so the RNG draw sequence is reproducible from seed alone.
func selectWinnersWithMultipliers(users []string, weights []float64, winnerCount, backupCount int, seed string) (winners, backups []string) {
	n := len(users)
	if n == 0 {
		return nil, nil
	}

	ft := rng.NewFenwickTree(weights)
	r := rng.NewSeededRNG(seed)

	draw := func() (string, bool) {
		total := ft.TotalSum()
		if total <= 0 {
			return "", false
		}
		target := r.NextScaled(total)
		idx := ft.FindIndex(target)
		ft.Zero(idx)
		return users[idx], true
	}

	for i := 0; i < winnerCount && i < n; i++ {
		u, ok := draw()
		if !ok {
			break
		}
		winners = append(winners, u)
	}
	for i := 0; i < backupCount && len(winners)+len(backups) < n; i++ {
		u, ok := draw()
		if !ok {
			break
		}
		backups = append(backups, u)
	}
	return winners, backups
}
