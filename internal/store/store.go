// Package store provides the ledger store (C1): durable, indexed storage of
// transactions, observations, observation edges, UTXOs, peers, and party
// state. The public Store interface is the contract every other component
// consumes; concrete implementations live in memory.go (WAL-backed, grounded
// on the teacher's core/ledger.go) and postgres.go (pgx-backed).
package store

import (
	"context"

	"github.com/rg-network/node/pkg/types"
)

// PartyData is the persisted per-party-key record: the party's own signing
// share metadata plus the most recently folded snapshot, so a restart can
// resume without refolding the entire event log from genesis.
type PartyData struct {
	PublicKey types.PublicKey       `json:"public_key"`
	Info      types.PeerNodeInfo    `json:"info"`
	Internal  *types.PartyInternalData `json:"internal,omitempty"`
}

// PeerFilter narrows active_nodes queries.
type PeerFilter struct {
	Environment types.NetworkEnvironment
	SeedOnly    bool
}

// Store is the persistence contract for C1, consumed by the relay and every
// component holding a reference to it.
type Store interface {
	// InsertTransaction is idempotent on tx.SignableHash(). It atomically
	// records the transaction, materialises a UtxoEntry per currency output,
	// and removes the UtxoEntries consumed by tx's inputs.
	InsertTransaction(ctx context.Context, tx *types.Transaction, at int64, accepted bool, rejection *types.RejectionReason) error

	// QueryMaybeTransaction returns the stored transaction and its rejection
	// reason (nil if accepted), or ok=false if the hash was never seen.
	QueryMaybeTransaction(ctx context.Context, hash types.Hash) (tx *types.Transaction, rejection *types.RejectionReason, ok bool, err error)

	QueryUtxo(ctx context.Context, id types.UtxoID) (*types.UtxoEntry, bool, error)
	UtxoIDValid(ctx context.Context, id types.UtxoID) (bool, error)

	// QueryUtxosByAddress returns every currently-unspent UtxoEntry whose
	// output pays addr, used by the party watcher to gather local spendable
	// balance when assembling a native-currency fulfilment transaction.
	QueryUtxosByAddress(ctx context.Context, addr types.Address) ([]types.UtxoEntry, error)

	// QueryTransactionsByAddress returns every accepted transaction with at
	// least one input or output touching addr, across the half-open time
	// range [since, until) (until==0 means no upper bound). Used by the
	// party watcher to assemble each party key's internal event log.
	QueryTransactionsByAddress(ctx context.Context, addr types.Address, since, until int64) ([]*types.Transaction, error)

	// SelectObservationEdge returns every attestation that includes hash as
	// an observed hash.
	SelectObservationEdge(ctx context.Context, hash types.Hash) ([]types.ObservationProof, error)

	// InsertObservationAndEdges stores obs and materialises one edge per
	// ObservationMetadata entry it contains.
	InsertObservationAndEdges(ctx context.Context, obs *types.Observation, at int64) error

	// SelectLatestObservation returns the highest-height Observation signed
	// by publicKey, used to chain the next one.
	SelectLatestObservation(ctx context.Context, publicKey types.PublicKey) (*types.Observation, bool, error)

	AddPeerNew(ctx context.Context, info types.PeerNodeInfo, weight float64, selfKey types.PublicKey) error
	ActiveNodes(ctx context.Context, filter PeerFilter) ([]types.PeerNodeInfo, error)
	AllPeersInfo(ctx context.Context) ([]types.PeerNodeInfo, error)

	PartyDataFor(ctx context.Context, publicKey types.PublicKey) (*PartyData, bool, error)
	AddKeygen(ctx context.Context, info types.PeerNodeInfo, publicKey types.PublicKey) error
	AllPartyInfoWithKey(ctx context.Context) ([]PartyData, error)
	PutPartyInternal(ctx context.Context, publicKey types.PublicKey, data *types.PartyInternalData) error

	// Reconcile runs the startup recovery pass: for every accepted
	// transaction, verify consumed UtxoEntries are absent and produced
	// outputs present, logging and re-applying on mismatch.
	Reconcile(ctx context.Context) error

	Close() error
}
