package txprocessor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rg-network/node/internal/conflict"
	"github.com/rg-network/node/internal/mempool"
	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/internal/resolver"
	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/config"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

type fakeObservations struct{}

func (fakeObservations) Submit(ctx context.Context, meta types.ObservationMetadata) (types.ObservationProof, error) {
	return types.ObservationProof{Metadata: meta, MerkleRoot: meta.ObservedHash}, nil
}

func newTestEnv(t *testing.T) (*relay.Relay, *Processor, chan mempool.AcceptedTx) {
	t.Helper()
	s, err := store.NewMemoryStore(filepath.Join(t.TempDir(), "wal.log"))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{}
	cfg.Mempool.Capacity = 16
	cfg.Observation.QueueCapacity = 16
	cfg.Network.MaxPeers = 8

	r := relay.New(s, cfg)
	verifier := crypto.Secp256k1Verifier{}
	res := resolver.New(r, verifier)
	cm := conflict.New(r)
	writerIn := make(chan mempool.AcceptedTx, 4)
	proc := New(r, res, cm, fakeObservations{}, writerIn, 50*time.Millisecond, 10*time.Millisecond)
	return r, proc, writerIn
}

func rootTx(addr types.Address, amount uint64) *types.Transaction {
	return &types.Transaction{
		Outputs: []types.Output{{Address: addr, Amount: amount, Currency: "native", Type: types.OutputCurrency}},
		Time:    1,
	}
}

func TestProcessAcceptsSpendOfInternallyKnownParent(t *testing.T) {
	r, proc, writerIn := newTestEnv(t)
	ctx := context.Background()

	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	verifier := crypto.Secp256k1Verifier{}
	parentAddr := verifier.AddressOf(signer.PublicKey())

	parent := rootTx(parentAddr, 100)
	if err := r.Store.InsertTransaction(ctx, parent, 1, true, nil); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	parentHash := parent.SignableHash()

	child := &types.Transaction{
		Inputs: []types.Input{{UtxoID: types.UtxoID{TxHash: parentHash, OutputIndex: 0}}},
		Outputs: []types.Output{
			{Address: types.Address{0x09}, Amount: 100, Currency: "native", Type: types.OutputCurrency},
		},
		Time: 2,
	}
	childHash := child.SignableHash()
	proof, err := signer.Sign(childHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	child.Inputs[0].Proof = proof

	// Seed an attestation edge so the resolver's requirement (step 4) for at
	// least one observation proof on the parent is satisfied.
	seedObservation(t, r, parentHash, signer.PublicKey())

	reply := make(chan *types.SubmitTransactionResponse, 1)
	proc.Process(ctx, &relay.ProcessRequest{Tx: child, TraceID: "t1", Reply: reply})

	select {
	case resp := <-reply:
		if resp.Rejection != nil {
			t.Fatalf("expected acceptance, got rejection: %+v", resp.Rejection)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for process reply")
	}

	select {
	case item := <-writerIn:
		if item.Tx.SignableHash() != childHash {
			t.Fatalf("writer received wrong transaction")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for writer enqueue")
	}
}

func TestProcessRejectsBalanceMismatch(t *testing.T) {
	r, proc, _ := newTestEnv(t)
	ctx := context.Background()

	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	verifier := crypto.Secp256k1Verifier{}
	parentAddr := verifier.AddressOf(signer.PublicKey())

	parent := rootTx(parentAddr, 100)
	if err := r.Store.InsertTransaction(ctx, parent, 1, true, nil); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	parentHash := parent.SignableHash()
	seedObservation(t, r, parentHash, signer.PublicKey())

	child := &types.Transaction{
		Inputs: []types.Input{{UtxoID: types.UtxoID{TxHash: parentHash, OutputIndex: 0}}},
		Outputs: []types.Output{
			{Address: types.Address{0x09}, Amount: 50, Currency: "native", Type: types.OutputCurrency},
		},
		Time: 2,
	}
	childHash := child.SignableHash()
	proof, _ := signer.Sign(childHash)
	child.Inputs[0].Proof = proof

	reply := make(chan *types.SubmitTransactionResponse, 1)
	proc.Process(ctx, &relay.ProcessRequest{Tx: child, TraceID: "t2", Reply: reply})

	select {
	case resp := <-reply:
		if resp.Rejection == nil || resp.Rejection.Kind != types.ErrBalanceMismatch {
			t.Fatalf("expected BalanceMismatch rejection, got %+v", resp.Rejection)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for process reply")
	}
}

func seedObservation(t *testing.T, r *relay.Relay, hash types.Hash, pub types.PublicKey) {
	t.Helper()
	obs := &types.Observation{
		Observations: []types.ObservationMetadata{
			{ObservedHash: hash, State: types.ObsAccepted, Validation: types.ValidationFull, Liveness: types.LivenessLive, Time: 1},
		},
		Proof:  types.Proof{PublicKey: pub},
		Height: 1,
		Time:   1,
	}
	if err := r.Store.InsertObservationAndEdges(context.Background(), obs, 1); err != nil {
		t.Fatalf("seed observation: %v", err)
	}
}
