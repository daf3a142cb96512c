package party

import (
	"github.com/rg-network/node/pkg/types"
)

// ValidateRDGFulfillment checks that a proposed native-currency fulfilment
// transaction only pays out amounts backed by a currently open deposit
// order, per §4.10's exposed validator surface and §4.11's "validator
// invoked on the peer side before any signature share is released".
func ValidateRDGFulfillment(data types.PartyInternalData, tx *types.Transaction) error {
	for _, out := range tx.Outputs {
		if out.Type != types.OutputDepositFulfill {
			continue
		}
		txref := string(out.Request)
		if !hasOpenDeposit(data, txref, out.Amount) {
			return types.NewError(types.ErrValidationSchema, "fulfilment references no open deposit order: "+txref)
		}
	}
	return nil
}

func hasOpenDeposit(data types.PartyInternalData, sourceEventID string, amount uint64) bool {
	for _, o := range data.UnfulfilledDeposits {
		if o.SourceEventID == sourceEventID && amount <= o.Amount {
			return true
		}
	}
	return false
}

// ValidateBTCFulfillment checks a proposed Bitcoin payout batch (address,
// amount pairs) against open BTC withdrawal orders, matching outputs to
// orders by destination address.
func ValidateBTCFulfillment(data types.PartyInternalData, outputs []struct {
	Destination string
	Amount      uint64
}) error {
	for _, out := range outputs {
		found := false
		for _, o := range data.UnfulfilledWithdraw {
			if o.Currency != "BTC" {
				continue
			}
			if o.Destination == out.Destination && out.Amount <= o.Amount {
				found = true
				break
			}
		}
		if !found {
			return types.NewError(types.ErrValidationSchema, "btc fulfilment has no matching open withdrawal for "+out.Destination)
		}
	}
	return nil
}

// ValidateETHFulfillment is the Ethereum-currency analogue of
// ValidateBTCFulfillment.
func ValidateETHFulfillment(data types.PartyInternalData, destination string, amount uint64) error {
	for _, o := range data.UnfulfilledWithdraw {
		if o.Currency != "ETH" {
			continue
		}
		if o.Destination == destination && amount <= o.Amount {
			return nil
		}
	}
	return types.NewError(types.ErrValidationSchema, "eth fulfilment has no matching open withdrawal for "+destination)
}
