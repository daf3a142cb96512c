package party

import (
	"reflect"
	"testing"

	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

func sampleEvents(t *testing.T, partyAddr types.Address) []types.AddressEvent {
	t.Helper()
	return []types.AddressEvent{
		{
			External: &types.ExternalEvent{
				TxID:      "btc-deposit-1",
				Timestamp: 100,
				From:      types.AddressZero.Hex(),
				To:        "bc1qpartyaddr",
				Amount:    500_000,
				Currency:  "BTC",
				Incoming:  true,
			},
			ResolvedTime: 100,
		},
		{
			Internal: &types.InternalEvent{
				Tx: types.Transaction{
					Time: 200,
					Outputs: []types.Output{
						{Address: partyAddr, Amount: 10_000, Currency: "RDG", Type: types.OutputStake},
					},
				},
			},
			ResolvedTime: 200,
		},
		{
			Internal: &types.InternalEvent{
				Tx: types.Transaction{
					Time: 300,
					Outputs: []types.Output{
						{Address: partyAddr, Amount: 2_000, Currency: "BTC", Type: types.OutputSwap},
					},
				},
			},
			ResolvedTime: 300,
		},
	}
}

// TestFoldIsDeterministic exercises Testable Property 6: folding the same
// event log twice, independently, must produce bitwise-identical results.
func TestFoldIsDeterministic(t *testing.T) {
	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	pub := signer.PublicKey()
	partyAddr := crypto.Secp256k1Verifier{}.AddressOf(pub)

	events := sampleEvents(t, partyAddr)
	first := Fold(pub, events)

	// Independent execution: fresh slice, same contents, reversed input
	// order (Fold must re-sort by ResolvedTime before folding).
	reordered := make([]types.AddressEvent, len(events))
	for i, e := range events {
		reordered[len(events)-1-i] = e
	}
	second := Fold(pub, reordered)

	if !reflect.DeepEqual(first.Balances, second.Balances) {
		t.Fatalf("balances diverged across independent folds: %+v vs %+v", first.Balances, second.Balances)
	}
	if !reflect.DeepEqual(first.CentralPrices, second.CentralPrices) {
		t.Fatalf("central prices diverged across independent folds: %+v vs %+v", first.CentralPrices, second.CentralPrices)
	}
	if !reflect.DeepEqual(first.UnfulfilledDeposits, second.UnfulfilledDeposits) {
		t.Fatalf("unfulfilled deposits diverged across independent folds")
	}
	if !reflect.DeepEqual(first.UnfulfilledWithdraw, second.UnfulfilledWithdraw) {
		t.Fatalf("unfulfilled withdrawals diverged across independent folds")
	}
	if !reflect.DeepEqual(first.FulfillmentHistory, second.FulfillmentHistory) {
		t.Fatalf("fulfillment history diverged across independent folds")
	}
}

func TestFoldDepositThenFulfillmentSettles(t *testing.T) {
	signer, err := crypto.GenerateSecp256k1Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	pub := signer.PublicKey()
	partyAddr := crypto.Secp256k1Verifier{}.AddressOf(pub)

	depositTxID := "btc-deposit-2"
	events := []types.AddressEvent{
		{
			External: &types.ExternalEvent{
				TxID:      depositTxID,
				Timestamp: 100,
				From:      "bc1qdepositor",
				Amount:    1_000_000,
				Currency:  "BTC",
				Incoming:  true,
			},
			ResolvedTime: 100,
		},
	}
	data := Fold(pub, events)
	if len(data.UnfulfilledDeposits) != 1 {
		t.Fatalf("expected 1 open deposit order, got %d", len(data.UnfulfilledDeposits))
	}
	order := data.UnfulfilledDeposits[0]
	if order.SourceEventID != depositTxID {
		t.Fatalf("expected source event id %q, got %q", depositTxID, order.SourceEventID)
	}

	fulfilTx := types.Transaction{
		Time: 150,
		Outputs: []types.Output{
			{Address: partyAddr, Amount: order.Amount, Currency: "RDG", Type: types.OutputDepositFulfill, Request: []byte(depositTxID)},
		},
	}
	events = append(events, types.AddressEvent{
		Internal:     &types.InternalEvent{Tx: fulfilTx},
		ResolvedTime: 150,
	})

	settled := Fold(pub, events)
	if len(settled.UnfulfilledDeposits) != 0 {
		t.Fatalf("expected deposit order to be settled, %d remain", len(settled.UnfulfilledDeposits))
	}
	if len(settled.FulfillmentHistory) != 1 {
		t.Fatalf("expected 1 fulfillment history entry, got %d", len(settled.FulfillmentHistory))
	}
	if settled.FulfillmentHistory[0].TxIDRef != depositTxID {
		t.Fatalf("expected history entry to reference %q, got %q", depositTxID, settled.FulfillmentHistory[0].TxIDRef)
	}

	if err := ValidateRDGFulfillment(data, &fulfilTx); err != nil {
		t.Fatalf("expected fulfilment to validate against the open deposit: %v", err)
	}
}
