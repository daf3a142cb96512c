// Package observation implements the observation buffer (C7) and handler
// (C8): batching per-transaction votes into signed attestations on a fixed
// cadence, and validating/persisting attestations gossiped by peers.
// Grounded on spec §4.7/§4.8 and the teacher's background-worker pattern of
// a ticker-driven goroutine draining a channel into a single persisted
// artefact (core/ledger.go's periodic snapshot/prune loop).
package observation

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/merkle"
	"github.com/rg-network/node/pkg/types"
)

type voteResult struct {
	proof types.ObservationProof
	err   error
}

type pendingVote struct {
	meta  types.ObservationMetadata
	reply chan voteResult
}

// Buffer batches ObservationMetadata entries into signed Observations on a
// fixed cadence. It is the only writer of this node's own height chain, so
// a single Buffer instance must be shared by every call to Submit.
type Buffer struct {
	relay     *relay.Relay
	signer    crypto.Signer
	formation time.Duration

	mu      sync.Mutex
	pending []pendingVote
}

// NewBuffer constructs a Buffer that batches every formation interval and
// signs roots with signer.
func NewBuffer(r *relay.Relay, signer crypto.Signer, formation time.Duration) *Buffer {
	return &Buffer{relay: r, signer: signer, formation: formation}
}

// Submit enqueues meta and blocks until the next formation cycle produces
// its ObservationProof, or ctx is cancelled.
func (b *Buffer) Submit(ctx context.Context, meta types.ObservationMetadata) (types.ObservationProof, error) {
	reply := make(chan voteResult, 1)
	b.mu.Lock()
	b.pending = append(b.pending, pendingVote{meta: meta, reply: reply})
	b.mu.Unlock()

	select {
	case res := <-reply:
		return res.proof, res.err
	case <-ctx.Done():
		return types.ObservationProof{}, ctx.Err()
	}
}

// Run drives the fixed-cadence drain/sign/persist/broadcast loop until ctx
// is cancelled. Cancellation is logged and Run returns; nothing in this
// module restarts it.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.formation)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.drainAndForm(ctx)
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Info("observation: buffer cancelled")
			return
		}
	}
}

func (b *Buffer) drainAndForm(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	metas := make([]types.ObservationMetadata, len(batch))
	leaves := make([]types.Hash, len(batch))
	for i, v := range batch {
		metas[i] = v.meta
		leaf, err := merkle.LeafHash(v.meta)
		if err != nil {
			logrus.WithError(err).Error("observation: hash vote leaf")
			leaf = types.Hash{}
		}
		leaves[i] = leaf
	}
	tree := merkle.Build(leaves)
	root := tree.Root()

	pub := b.signer.PublicKey()
	var height uint64 = 1
	var parentHash types.Hash
	if prev, ok, err := b.relay.Store.SelectLatestObservation(ctx, pub); err != nil {
		logrus.WithError(err).Error("observation: select latest observation")
	} else if ok {
		height = prev.Height + 1
		parentHash = prev.Hash()
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		logrus.WithError(err).Error("observation: generate salt")
	}

	proof, err := b.signer.Sign(root)
	if err != nil {
		logrus.WithError(err).Error("observation: sign merkle root")
		b.failAll(batch, err)
		return
	}

	obs := &types.Observation{
		MerkleRoot:   root,
		Observations: metas,
		Proof:        proof,
		Height:       height,
		ParentHash:   parentHash,
		Salt:         salt,
		Time:         time.Now().Unix(),
	}

	if err := b.relay.Store.InsertObservationAndEdges(ctx, obs, obs.Time); err != nil {
		logrus.WithError(err).Error("observation: persist observation")
		b.failAll(batch, err)
		return
	}

	go func() {
		peers, err := b.relay.Store.AllPeersInfo(context.Background())
		if err != nil {
			return
		}
		_, _ = b.relay.Broadcast(context.Background(), peers, &types.Request{GossipObservation: obs}, b.formation)
	}()

	for i, v := range batch {
		v.reply <- voteResult{proof: types.ObservationProof{
			Metadata:   metas[i],
			Path:       tree.Proof(i),
			MerkleRoot: root,
			NodeProof:  proof,
			Height:     height,
		}}
	}
}

func (b *Buffer) failAll(batch []pendingVote, err error) {
	for _, v := range batch {
		select {
		case v.reply <- voteResult{err: err}:
		default:
		}
	}
}
