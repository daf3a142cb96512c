// Package conflict implements the conflict manager (C5): serialisation of
// double-spend attempts against the same UTXO. Grounded on §4.5's
// ContentionPool design and the teacher's per-resource mutex discipline
// (core/ledger.go locks the whole ledger; here the lock is narrowed to one
// utxo_id's pool so unrelated transactions never block each other).
package conflict

import (
	"sort"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/types"
)

// Candidate is one transaction's standing participation in a UTXO's
// contention pool, carrying enough to compute the trust-weighted tally at
// resolution time.
type Candidate struct {
	TxHash    types.Hash
	PeerID    types.PeerId
	Trust     float64
	StartTime int64
}

// Manager resolves ContentionPools registered on the shared Relay.
type Manager struct {
	relay *relay.Relay
}

// New constructs a Manager over r.
func New(r *relay.Relay) *Manager {
	return &Manager{relay: r}
}

// Register adds candidate to utxoID's pool and returns its Contender.
// Contenders already in the pool are not notified of the arrival, and the
// pool keeps no registration order: Snapshot returns contenders in map
// iteration order.
func (m *Manager) Register(utxoID types.UtxoID, candidate Candidate) *relay.Contender {
	pool := m.relay.PoolFor(utxoID)
	return pool.Add(&relay.Contender{
		TxHash: candidate.TxHash,
		PeerID: candidate.PeerID,
		Trust:  candidate.Trust,
		Reply:  make(chan relay.ConflictOutcome, 1),
	})
}

// Tally aggregates, per peer_id (not node key, to avoid sybil multiplication
// by a single peer controlling many node keys), the highest trust weight
// that peer assigned to each competing transaction hash.
func Tally(votes map[types.PeerId]map[types.Hash]float64) map[types.Hash]float64 {
	totals := make(map[types.Hash]float64)
	for _, byHash := range votes {
		for hash, weight := range byHash {
			totals[hash] += weight
		}
	}
	return totals
}

// Winner picks the transaction hash with the highest trust-weighted tally,
// breaking ties by the lower lexicographic hash, per §4.5.
func Winner(totals map[types.Hash]float64) types.Hash {
	hashes := make([]types.Hash, 0, len(totals))
	for h := range totals {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	var best types.Hash
	bestWeight := -1.0
	for _, h := range hashes {
		w := totals[h]
		if w > bestWeight {
			bestWeight = w
			best = h
		}
	}
	return best
}

// Resolve tallies the pool registered for utxoID using votes (peer_id ->
// tx_hash -> trust weight), notifies every contender of the outcome, then
// removes the pool so no orphan lock survives the resolution.
func (m *Manager) Resolve(utxoID types.UtxoID, votes map[types.PeerId]map[types.Hash]float64) types.Hash {
	totals := Tally(votes)
	winner := Winner(totals)

	pool := m.relay.PoolFor(utxoID)
	for _, contender := range pool.Snapshot() {
		outcome := relay.ConflictOutcome{WinnerHash: winner}
		if contender.TxHash != winner {
			outcome.Err = types.NewError(types.ErrRejectedDoubleSpend, "a competing transaction won the contention pool")
		}
		select {
		case contender.Reply <- outcome:
		default:
		}
	}

	m.relay.ReleasePool(utxoID)
	return winner
}
