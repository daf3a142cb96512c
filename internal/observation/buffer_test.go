package observation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/config"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

func TestBufferFormsObservationAndRepliesToSubmitters(t *testing.T) {
	s, err := store.NewMemoryStore(filepath.Join(t.TempDir(), "wal.log"))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer s.Close()

	cfg := &config.Config{}
	cfg.Mempool.Capacity = 8
	cfg.Observation.QueueCapacity = 8
	cfg.Network.MaxPeers = 8
	r := relay.New(s, cfg)

	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	buf := NewBuffer(r, signer, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go buf.Run(ctx)

	hash := types.Hash{0x01}
	meta := types.ObservationMetadata{ObservedHash: hash, State: types.ObsPending, Validation: types.ValidationFull, Liveness: types.LivenessLive, Time: 1}

	proof, err := buf.Submit(ctx, meta)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if proof.MerkleRoot.IsZero() {
		t.Fatalf("expected non-zero merkle root")
	}
	if proof.Height != 1 {
		t.Fatalf("expected height 1, got %d", proof.Height)
	}

	edges, err := s.SelectObservationEdge(context.Background(), hash)
	if err != nil {
		t.Fatalf("select edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 persisted edge, got %d", len(edges))
	}
}

func TestHandlerRejectsBadMerkleRoot(t *testing.T) {
	s, err := store.NewMemoryStore(filepath.Join(t.TempDir(), "wal.log"))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer s.Close()

	cfg := &config.Config{}
	cfg.Mempool.Capacity = 8
	cfg.Observation.QueueCapacity = 8
	cfg.Network.MaxPeers = 8
	r := relay.New(s, cfg)

	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	verifier := crypto.Secp256k1Verifier{}
	h := NewHandler(r, verifier)

	obs := &types.Observation{
		Observations: []types.ObservationMetadata{
			{ObservedHash: types.Hash{0x01}, State: types.ObsAccepted, Validation: types.ValidationFull, Liveness: types.LivenessLive, Time: 1},
		},
		MerkleRoot: types.Hash{0xFF}, // deliberately wrong
		Height:     1,
		Time:       1,
	}
	proof, err := signer.Sign(obs.MerkleRoot)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	obs.Proof = proof

	if err := h.HandleGossipObservation(context.Background(), obs); err == nil {
		t.Fatalf("expected rejection for mismatched merkle root")
	}
}
