package party

import (
	"sort"

	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"
)

// Fold implements the C10 deterministic fold: given the same event log and
// seed set, two independent executions must produce bitwise-identical
// CentralPrice, balance map, order lists and fulfilment history (§4.10,
// Testable Property 6). Fold takes AddressEvent.ResolvedTime as given: the
// watcher sets it to an external event's own timestamp and to an internal
// transaction's Time field, and no seed-consensus median is computed. Fold
// itself is pure.
func Fold(pubKey types.PublicKey, events []types.AddressEvent) types.PartyInternalData {
	partyAddr := crypto.Secp256k1Verifier{}.AddressOf(pubKey)

	confirmed := make([]types.AddressEvent, 0, len(events))
	unconfirmed := make([]types.AddressEvent, 0)
	for _, e := range events {
		if e.IsResolved() {
			confirmed = append(confirmed, e)
		} else {
			unconfirmed = append(unconfirmed, e)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].ResolvedTime < confirmed[j].ResolvedTime
	})

	st := &foldState{
		partyAddr:     partyAddr,
		balances:      make(map[types.Currency]uint64),
		centralPrices: make(map[types.Currency]types.CentralPrice),
	}
	for _, e := range confirmed {
		st.apply(e)
	}

	return types.PartyInternalData{
		PublicKey:           pubKey,
		EventLog:            events,
		Balances:            st.balances,
		CentralPrices:       st.centralPrices,
		UnfulfilledDeposits: st.unfulfilledDeposits,
		UnfulfilledWithdraw: st.unfulfilledWithdrawals,
		FulfillmentHistory:  st.history,
		Unconfirmed:         unconfirmed,
	}
}

type foldState struct {
	partyAddr              types.Address
	balances               map[types.Currency]uint64
	centralPrices          map[types.Currency]types.CentralPrice
	unfulfilledDeposits    []types.Order
	unfulfilledWithdrawals []types.Order
	history                []types.OrderFulfillment
}

func (st *foldState) priceFor(c types.Currency, now int64) types.CentralPrice {
	if p, ok := st.centralPrices[c]; ok {
		return p
	}
	return NewCentralPrice(c, now)
}

func (st *foldState) apply(e types.AddressEvent) {
	switch {
	case e.External != nil:
		st.applyExternal(*e.External)
	case e.Internal != nil:
		st.applyInternal(*e.Internal)
	}
}

// applyExternal handles incoming deposits (ask-side fulfilment against the
// foreign-currency curve) and outgoing transfers that settle an open
// withdrawal (§4.10 step 2).
func (st *foldState) applyExternal(ev types.ExternalEvent) {
	if ev.Incoming {
		curve := st.priceFor(ev.Currency, ev.Timestamp)
		next, filled := fulfillOrder(curve, ev.Amount, true, ev.Timestamp)
		st.centralPrices[ev.Currency] = next
		st.balances[ev.Currency] += ev.Amount

		st.unfulfilledDeposits = append(st.unfulfilledDeposits, types.Order{
			Kind:          types.OrderDeposit,
			Currency:      ev.Currency,
			SourceEventID: ev.TxID,
			Destination:   ev.From,
			Amount:        filled,
			EventTime:     ev.Timestamp,
		})
		return
	}

	for i, o := range st.unfulfilledWithdrawals {
		if o.Currency != ev.Currency || o.Destination != ev.To {
			continue
		}
		st.history = append(st.history, types.OrderFulfillment{
			OrderAmount:     o.Amount,
			FulfilledAmount: o.Amount,
			UpdatedCurve:    st.priceFor(ev.Currency, ev.Timestamp),
			IsDeposit:       false,
			EventTime:       ev.Timestamp,
			TxIDRef:         ev.TxID,
			Destination:     o.Destination,
		})
		st.unfulfilledWithdrawals = append(st.unfulfilledWithdrawals[:i], st.unfulfilledWithdrawals[i+1:]...)
		return
	}
}

// applyInternal handles incoming swaps (bid-side fulfilment against the
// requested foreign currency), outgoing transactions that settle an open
// deposit by referencing its external txid, and stake adjustments.
func (st *foldState) applyInternal(ev types.InternalEvent) {
	tx := ev.Tx

	for _, out := range tx.Outputs {
		switch out.Type {
		case types.OutputSwap:
			if out.Address != st.partyAddr {
				continue
			}
			currency := types.Currency(out.Currency)
			curve := st.priceFor(currency, tx.Time)
			next, filled := fulfillOrder(curve, out.Amount, false, tx.Time)
			st.centralPrices[currency] = next

			st.unfulfilledWithdrawals = append(st.unfulfilledWithdrawals, types.Order{
				Kind:          types.OrderWithdrawal,
				Currency:      currency,
				SourceEventID: tx.SignableHash().Hex(),
				Destination:   out.Address.Hex(),
				Amount:        filled,
				EventTime:     tx.Time,
			})

		case types.OutputDepositFulfill:
			txref := string(out.Request)
			for i, o := range st.unfulfilledDeposits {
				if o.SourceEventID != txref {
					continue
				}
				st.history = append(st.history, types.OrderFulfillment{
					OrderAmount:     o.Amount,
					FulfilledAmount: o.Amount,
					UpdatedCurve:    st.priceFor(o.Currency, tx.Time),
					IsDeposit:       true,
					EventTime:       tx.Time,
					TxIDRef:         txref,
					Destination:     out.Address.Hex(),
				})
				st.unfulfilledDeposits = append(st.unfulfilledDeposits[:i], st.unfulfilledDeposits[i+1:]...)
				break
			}

		case types.OutputStake:
			currency := types.Currency(out.Currency)
			curve := st.priceFor(currency, tx.Time)
			if out.Address == st.partyAddr {
				curve.NativeReserve += out.Amount
			} else {
				curve.NativeReserve -= out.Amount
			}
			if curve.MinAskFloor == 0 {
				curve.MinAskFloor = midPrice(curve)
				curve.MinAskSetAt = tx.Time
			}
			st.centralPrices[currency] = curve
		}
	}
}

// withdrawalKey identifies an unfulfilled withdrawal order by the
// currency/destination pair an ExternalEvent payout matches against, the
// same fields applyExternal's outgoing branch matches on.
type withdrawalKey struct {
	currency    types.Currency
	destination string
}

// Orders returns the current unfulfilled orders across both kinds, sorted
// deterministically by event time then source event id — the pure,
// side-effect-free query surface named in §4.10. An order already being
// settled by a pending-but-unconfirmed event is excluded, so a caller
// driving fulfilment off this list never double-dispatches a payout that is
// already in flight.
func Orders(data types.PartyInternalData) []types.Order {
	inFlightDeposits, inFlightWithdrawals := inFlightFulfillments(data.Unconfirmed)

	all := make([]types.Order, 0, len(data.UnfulfilledDeposits)+len(data.UnfulfilledWithdraw))
	for _, o := range data.UnfulfilledDeposits {
		if _, ok := inFlightDeposits[o.SourceEventID]; ok {
			continue
		}
		all = append(all, o)
	}
	for _, o := range data.UnfulfilledWithdraw {
		if _, ok := inFlightWithdrawals[withdrawalKey{o.Currency, o.Destination}]; ok {
			continue
		}
		all = append(all, o)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].EventTime != all[j].EventTime {
			return all[i].EventTime < all[j].EventTime
		}
		return all[i].SourceEventID < all[j].SourceEventID
	})
	return all
}

// inFlightFulfillments scans the unconfirmed pocket for events that already
// settle an order but have not yet cleared seed consensus: an internal
// deposit_fulfillment output (keyed by the source event id it references, the
// same txref applyInternal's OutputDepositFulfill branch reads out of
// out.Request) or an outgoing external transfer (keyed by the
// currency/destination pair applyExternal's outgoing branch matches on).
func inFlightFulfillments(unconfirmed []types.AddressEvent) (map[string]struct{}, map[withdrawalKey]struct{}) {
	deposits := make(map[string]struct{})
	withdrawals := make(map[withdrawalKey]struct{})
	for _, e := range unconfirmed {
		switch {
		case e.Internal != nil:
			for _, out := range e.Internal.Tx.Outputs {
				if out.Type == types.OutputDepositFulfill {
					deposits[string(out.Request)] = struct{}{}
				}
			}
		case e.External != nil && !e.External.Incoming:
			withdrawals[withdrawalKey{e.External.Currency, e.External.To}] = struct{}{}
		}
	}
	return deposits, withdrawals
}
