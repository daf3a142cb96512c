package observation

import (
	"context"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/merkle"
	"github.com/rg-network/node/pkg/types"
)

// Handler validates and persists peer-gossiped Observations (C8).
type Handler struct {
	relay    *relay.Relay
	verifier crypto.Verifier
}

// NewHandler constructs a Handler verifying attestation proofs with v.
func NewHandler(r *relay.Relay, v crypto.Verifier) *Handler {
	return &Handler{relay: r, verifier: v}
}

// HandleGossipObservation validates obs's Merkle structure and signing
// proof, then persists it idempotently on observation hash (the store's
// insert_observation_and_edges is itself idempotent; this function adds the
// structural and cryptographic checks the store does not perform).
func (h *Handler) HandleGossipObservation(ctx context.Context, obs *types.Observation) error {
	if len(obs.Observations) == 0 {
		return types.NewError(types.ErrValidationSchema, "observation carries no votes")
	}

	leaves := make([]types.Hash, len(obs.Observations))
	for i, m := range obs.Observations {
		leaf, err := merkle.LeafHash(m)
		if err != nil {
			return types.Wrap(types.ErrValidationSchema, "hash observation leaf", err)
		}
		leaves[i] = leaf
	}
	tree := merkle.Build(leaves)
	if tree.Root() != obs.MerkleRoot {
		return types.NewError(types.ErrBadProof, "merkle root does not match observation contents")
	}

	if !h.verifier.Verify(obs.Proof, obs.MerkleRoot) {
		return types.NewError(types.ErrBadProof, "observation signature does not verify over merkle root")
	}

	return h.relay.Store.InsertObservationAndEdges(ctx, obs, obs.Time)
}
