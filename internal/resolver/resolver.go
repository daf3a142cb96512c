// Package resolver implements the per-input resolution algorithm (C4): for
// a candidate transaction's input, produce a ResolvedInput carrying the
// parent output and the evidence backing its validity. Grounded on
// original_source/src/core/resolver.rs's resolve_input, reshaped into
// idiomatic Go (explicit context, typed sentinel errors) while keeping the
// same local-lookup-then-peer-broadcast-then-tally structure.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

// ResolvedInput is the evidence-backed resolution of one transaction input.
type ResolvedInput struct {
	Input              types.Input
	ParentTransaction  *types.Transaction
	InternalAccepted   bool
	PriorOutput        types.Output
	ObservationProofs  []types.ObservationProof
	PeerValidIndex     map[types.PeerId]float64 // trust weight of peers reporting the output unspent
	PeerInvalidIndex   map[types.PeerId]float64
}

// Resolver resolves inputs against the shared store and peer set carried by
// the Relay.
type Resolver struct {
	relay    *relay.Relay
	verifier crypto.Verifier
}

// New constructs a Resolver over r, verifying proofs with v.
func New(r *relay.Relay, v crypto.Verifier) *Resolver {
	return &Resolver{relay: r, verifier: v}
}

// xorDistance is the big-endian XOR distance between two content hashes,
// compared lexicographically byte by byte — the same metric Kademlia-style
// peer selection uses, applied here to rank which peers to query first for
// a given transaction hash.
func xorDistance(a, b types.Hash) [32]byte {
	var out [32]byte
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// xorSortPeers orders peers by ascending XOR distance of their public key's
// address to target, so the nearest peers (by this metric) come first. The
// whole sorted list is returned and broadcast to; the fan-out is not cut
// down to a subset of the known peers.
func xorSortPeers(peers []types.PeerNodeInfo, verifier crypto.Verifier, target types.Hash) []types.PeerNodeInfo {
	type scored struct {
		peer types.PeerNodeInfo
		dist [32]byte
	}
	scoredPeers := make([]scored, 0, len(peers))
	for _, p := range peers {
		pub, err := hexPublicKey(p.Node.PublicKey)
		if err != nil {
			continue
		}
		addr := verifier.AddressOf(pub)
		addrHash := types.Hash(sha256.Sum256(addr[:]))
		scoredPeers = append(scoredPeers, scored{peer: p, dist: xorDistance(addrHash, target)})
	}
	sort.Slice(scoredPeers, func(i, j int) bool {
		for k := 0; k < len(scoredPeers[i].dist); k++ {
			if scoredPeers[i].dist[k] != scoredPeers[j].dist[k] {
				return scoredPeers[i].dist[k] < scoredPeers[j].dist[k]
			}
		}
		return false
	})
	out := make([]types.PeerNodeInfo, len(scoredPeers))
	for i, s := range scoredPeers {
		out[i] = s.peer
	}
	return out
}

func hexPublicKey(s string) (types.PublicKey, error) {
	if s == "" {
		return nil, types.NewError(types.ErrValidationSchema, "empty peer public key")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return types.PublicKey(b), nil
}

// Resolve implements §4.4's per-input algorithm.
func (r *Resolver) Resolve(ctx context.Context, input types.Input, childHash types.Hash, timeout time.Duration) (*ResolvedInput, error) {
	hash := input.UtxoID.TxHash

	tx, rejection, ok, err := r.relay.Store.QueryMaybeTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if ok && rejection != nil {
		return nil, types.NewError(types.ErrParentRejected, "parent transaction was rejected")
	}

	internalAccepted := ok
	internalValid, err := r.relay.Store.UtxoIDValid(ctx, input.UtxoID)
	if err != nil {
		return nil, err
	}

	resolved := &ResolvedInput{
		Input:            input,
		InternalAccepted: internalAccepted,
		PeerValidIndex:   make(map[types.PeerId]float64),
		PeerInvalidIndex: make(map[types.PeerId]float64),
	}

	if internalAccepted {
		resolved.ParentTransaction = tx
		if int(input.UtxoID.OutputIndex) >= len(tx.Outputs) {
			return nil, types.NewError(types.ErrUtxoInvalid, "output index out of bounds")
		}
		resolved.PriorOutput = tx.Outputs[input.UtxoID.OutputIndex]
		if internalValid {
			resolved.PeerValidIndex[""] = 1.0
		}
	} else {
		if err := r.resolveFromPeers(ctx, resolved, hash, input.UtxoID.OutputIndex, timeout); err != nil {
			return nil, err
		}
	}

	if len(resolved.ObservationProofs) == 0 {
		edges, err := r.relay.Store.SelectObservationEdge(ctx, hash)
		if err != nil {
			return nil, err
		}
		resolved.ObservationProofs = edges
	}
	if len(resolved.ObservationProofs) == 0 {
		return nil, types.NewError(types.ErrNoAttestations, "no attestation proofs available for parent transaction")
	}

	validWeight := sumWeights(resolved.PeerValidIndex)
	invalidWeight := sumWeights(resolved.PeerInvalidIndex)
	if invalidWeight > validWeight {
		return nil, types.NewError(types.ErrUtxoInvalid, "trust-weighted peers report the output as spent")
	}

	if !r.verifier.Verify(input.Proof, childHash) {
		return nil, types.NewError(types.ErrBadProof, "input proof does not bind to child signable hash")
	}
	if r.verifier.AddressOf(input.Proof.PublicKey) != resolved.PriorOutput.Address {
		return nil, types.NewError(types.ErrBadProof, "input proof public key does not match parent output address")
	}

	return resolved, nil
}

func sumWeights(m map[types.PeerId]float64) float64 {
	var total float64
	for _, w := range m {
		total += w
	}
	return total
}

func (r *Resolver) resolveFromPeers(ctx context.Context, resolved *ResolvedInput, hash types.Hash, outputIndex uint32, timeout time.Duration) error {
	allPeers, err := r.relay.Store.AllPeersInfo(ctx)
	if err != nil {
		return err
	}
	sorted := xorSortPeers(allPeers, r.verifier, hash)

	req := &types.Request{ResolveHash: &types.ResolveHashRequest{Hash: hash, OutputIndex: outputIndex}}
	responses, err := r.relay.Broadcast(ctx, sorted, req, timeout)
	if err != nil {
		return err
	}

	for i, resp := range responses {
		if resp == nil || resp.ResolveHashResponse == nil {
			continue
		}
		rr := resp.ResolveHashResponse
		if rr.Transaction == nil {
			continue
		}
		if resolved.ParentTransaction == nil {
			resolved.ParentTransaction = rr.Transaction
		}
		if int(outputIndex) < len(rr.Transaction.Outputs) {
			resolved.PriorOutput = rr.Transaction.Outputs[outputIndex]
		}
		resolved.ObservationProofs = append(resolved.ObservationProofs, rr.ObservationProofs...)
		peerID := types.PeerId("")
		if i < len(sorted) {
			peerID = sorted[i].PeerID
		}
		trust := 1.0
		if i < len(sorted) {
			trust = sorted[i].Trust
		}
		if rr.QueriedOutputValid {
			resolved.PeerValidIndex[peerID] = trust
		} else {
			resolved.PeerInvalidIndex[peerID] = trust
		}
	}

	if resolved.ParentTransaction == nil {
		return types.NewError(types.ErrMissingParent, "no peer response carried the parent transaction")
	}
	return nil
}
