// Package party implements the party event stream (C10) and party watcher
// (C11): folding internal and external address events into deterministic
// pricing/order state, and periodically reconciling that state into
// fulfilment transactions. Grounded on spec §4.10/§4.11 and Design Notes §9,
// with the AMM pricing idiom borrowed from the teacher's core/amm.go.
package party

import (
	"context"

	"github.com/rg-network/node/pkg/types"
)

// ChainFilter narrows a get_all_tx_for query to a time range, matching the
// "filter" parameter named in Design Notes §9.
type ChainFilter struct {
	Since int64
	Until int64
}

// ChainAdapter is the struct-of-closures form of the external-chain
// capability. Nothing in this module constructs one: the watcher (C11)
// holds Adapter values, and the two live implementations (btc_adapter.go,
// eth_adapter.go) and the deterministic test double (mock_adapter.go)
// implement Adapter.
type ChainAdapter struct {
	GetAllTxFor func(ctx context.Context, pk types.PublicKey, currency types.Currency, filter ChainFilter) ([]types.ExternalEvent, error)
	Broadcast   func(ctx context.Context, pk types.PublicKey, currency types.Currency, payload []byte) (string, error)
	QueryPrice  func(ctx context.Context, at int64, currency types.Currency) (float64, error)
}

// Adapter is the interface form of ChainAdapter, used where call sites want
// to hold a capability by reference rather than a struct of closures.
type Adapter interface {
	GetAllTxFor(ctx context.Context, pk types.PublicKey, currency types.Currency, filter ChainFilter) ([]types.ExternalEvent, error)
	Broadcast(ctx context.Context, pk types.PublicKey, currency types.Currency, payload []byte) (string, error)
	QueryPrice(ctx context.Context, at int64, currency types.Currency) (float64, error)
}
