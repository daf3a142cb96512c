// Package txprocessor implements the transaction processor (C6): the
// per-transaction lifecycle from admission through persistence. Grounded on
// original_source/src/core/process_transaction.rs's RequestProcessor /
// Conflict machinery, reshaped into a single synchronous Go function driven
// by channels instead of the original's actor-style message passing.
package txprocessor

import (
	"github.com/rg-network/node/pkg/types"
)

// Prevalidate runs the schema, fee, and signature-well-formedness checks
// required before a transaction enters resolution, in this order:
// structural shape and per-input proof shape first, then output addresses
// and the fee bound. PoW-stamp verification is intentionally
// absent — this node's wire protocol carries no such field (§1 Non-goals).
func Prevalidate(tx *types.Transaction) error {
	if len(tx.Inputs) == 0 {
		return types.NewError(types.ErrValidationSchema, "transaction has no inputs")
	}
	if len(tx.Outputs) == 0 {
		return types.NewError(types.ErrValidationSchema, "transaction has no outputs")
	}

	seen := make(map[string]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		key := in.UtxoID.Key()
		if _, dup := seen[key]; dup {
			return types.NewError(types.ErrValidationSchema, "duplicate input utxo_id within transaction")
		}
		seen[key] = struct{}{}
		if len(in.Proof.PublicKey) == 0 || len(in.Proof.Signature) == 0 {
			return types.NewError(types.ErrValidationSchema, "input missing public key or signature")
		}
	}

	var feeTotal uint64
	for _, out := range tx.Outputs {
		if out.Type == types.OutputFee {
			feeTotal += out.Amount
		}
		if out.Type == types.OutputCurrency && out.Address.IsZero() {
			return types.NewError(types.ErrValidationSchema, "currency output addressed to the zero address")
		}
	}
	if tx.FeeLimit > 0 && feeTotal > tx.FeeLimit {
		return types.NewError(types.ErrInsufficientFee, "total fee output exceeds declared fee_limit")
	}

	return nil
}
