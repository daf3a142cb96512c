package conflict

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/config"
	"github.com/rg-network/node/pkg/types"
)

func newTestRelay(t *testing.T) *relay.Relay {
	t.Helper()
	s, err := store.NewMemoryStore(filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	cfg := &config.Config{}
	cfg.Mempool.Capacity = 16
	cfg.Observation.QueueCapacity = 16
	cfg.Network.MaxPeers = 8
	return relay.New(s, cfg)
}

func TestWinnerPicksHighestTrustThenLexicographic(t *testing.T) {
	hashA := types.Hash{0x01}
	hashB := types.Hash{0x02}

	totals := map[types.Hash]float64{hashA: 3.0, hashB: 5.0}
	require.Equal(t, hashB, Winner(totals), "expected hashB to win on trust")

	tie := map[types.Hash]float64{hashA: 2.0, hashB: 2.0}
	require.Equal(t, hashA, Winner(tie), "expected hashA to win tie-break (lower lexicographic)")
}

func TestTallyGroupsByPeerID(t *testing.T) {
	hashA := types.Hash{0x01}
	votes := map[types.PeerId]map[types.Hash]float64{
		"peer1": {hashA: 1.0},
		"peer2": {hashA: 1.0},
	}
	totals := Tally(votes)
	require.Equal(t, 2.0, totals[hashA])
}

func TestResolveNotifiesAllContendersAndReleasesPool(t *testing.T) {
	r := newTestRelay(t)
	m := New(r)
	utxoID := types.UtxoID{TxHash: types.Hash{0xAA}, OutputIndex: 0}

	hashWin := types.Hash{0x01}
	hashLose := types.Hash{0x02}

	winnerContender := m.Register(utxoID, Candidate{TxHash: hashWin, PeerID: "peer1", Trust: 5})
	loserContender := m.Register(utxoID, Candidate{TxHash: hashLose, PeerID: "peer2", Trust: 1})

	votes := map[types.PeerId]map[types.Hash]float64{
		"peer1": {hashWin: 5},
		"peer2": {hashLose: 1},
	}
	winner := m.Resolve(utxoID, votes)
	require.Equal(t, hashWin, winner)

	select {
	case outcome := <-winnerContender.Reply:
		require.NoError(t, outcome.Err)
	default:
		t.Fatal("winner contender was not notified")
	}

	select {
	case outcome := <-loserContender.Reply:
		require.Error(t, outcome.Err, "loser should receive RejectedDoubleSpend error")
	default:
		t.Fatal("loser contender was not notified")
	}

	pool := r.PoolFor(utxoID)
	require.Empty(t, pool.Snapshot(), "expected pool cleared after resolution")
}
