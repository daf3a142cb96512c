package party

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/merkle"
	"github.com/rg-network/node/pkg/types"
)

// NativeCurrency is this node's own ledger currency code, used to tell a
// deposit order's native-currency payout leg apart from a withdrawal
// order's foreign-currency payout leg.
const NativeCurrency = types.Currency("RDG")

// MetricsRecorder receives per-cycle and per-settlement counters.
// *metrics.Collector satisfies it; declared here instead of imported to
// keep this package decoupled from the metrics package's own dependency on
// relay.
type MetricsRecorder interface {
	RecordPartyCycle()
	RecordSettlement(outcome string)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) RecordPartyCycle()       {}
func (noopMetricsRecorder) RecordSettlement(string) {}

// Watcher is the party watcher (C11): a background reconciler that rebuilds
// each self-initiated party key's C10 snapshot, publishes it to the relay's
// read-only map, and settles orders past the configured cutoff window.
// Grounded on the observation buffer's ticker-driven Run loop
// (internal/observation/buffer.go), generalised from a fixed formation
// cadence to a per-key reconcile-and-settle cycle.
type Watcher struct {
	relay    *relay.Relay
	signer   ThresholdSigner
	adapters map[types.Currency]Adapter
	metrics  MetricsRecorder

	selfKeys     []types.PublicKey
	pollInterval time.Duration
	orderCutoff  time.Duration
}

// NewWatcher constructs a Watcher polling every pollInterval and settling
// orders whose EventTime is older than orderCutoff, using adapters keyed by
// the foreign currency code each serves.
func NewWatcher(r *relay.Relay, signer ThresholdSigner, adapters map[types.Currency]Adapter, selfKeys []types.PublicKey, pollInterval, orderCutoff time.Duration) *Watcher {
	return &Watcher{
		relay:        r,
		signer:       signer,
		adapters:     adapters,
		metrics:      noopMetricsRecorder{},
		selfKeys:     selfKeys,
		pollInterval: pollInterval,
		orderCutoff:  orderCutoff,
	}
}

// SetMetrics attaches m as this watcher's counter sink; call before Run.
func (w *Watcher) SetMetrics(m MetricsRecorder) { w.metrics = m }

// Run drives the reconcile cycle until ctx is cancelled. Cancellation is
// logged and Run returns; nothing in this module restarts it.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, pk := range w.selfKeys {
				if err := w.reconcile(ctx, pk); err != nil {
					logrus.WithError(err).WithField("party_key", pk.Hex()).Error("party: reconcile cycle failed")
				}
			}
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Info("party: watcher cancelled")
			return
		}
	}
}

// reconcile rebuilds pk's C10 snapshot from its external chain history and
// internal ledger history, publishes it, then settles any order older than
// the cutoff window.
func (w *Watcher) reconcile(ctx context.Context, pk types.PublicKey) error {
	addr := crypto.Secp256k1Verifier{}.AddressOf(pk)

	var events []types.AddressEvent
	for currency, adapter := range w.adapters {
		ext, err := adapter.GetAllTxFor(ctx, pk, currency, ChainFilter{})
		if err != nil {
			logrus.WithError(err).WithField("currency", string(currency)).Warn("party: fetch external events")
			continue
		}
		for i := range ext {
			e := ext[i]
			events = append(events, types.AddressEvent{External: &e, ResolvedTime: e.Timestamp})
		}
	}

	txs, err := w.relay.Store.QueryTransactionsByAddress(ctx, addr, 0, 0)
	if err != nil {
		return fmt.Errorf("party: query transactions for address: %w", err)
	}
	for _, tx := range txs {
		proofs, err := w.relay.Store.SelectObservationEdge(ctx, tx.AcceptedHash())
		if err != nil {
			logrus.WithError(err).Warn("party: select observation edges")
		}
		events = append(events, types.AddressEvent{
			Internal:     &types.InternalEvent{Tx: *tx, Observations: proofs, Priced: true},
			ResolvedTime: tx.Time,
		})
	}

	data := Fold(pk, events)
	w.relay.PublishParty(pk, &data)
	if err := w.relay.Store.PutPartyInternal(ctx, pk, &data); err != nil {
		return fmt.Errorf("party: persist snapshot: %w", err)
	}
	w.metrics.RecordPartyCycle()

	cutoff := time.Now().Unix() - int64(w.orderCutoff.Seconds())
	for _, o := range Orders(data) {
		if o.EventTime > cutoff {
			continue
		}
		if alreadySettled(data, o) {
			continue
		}
		if err := w.settle(ctx, pk, addr, data, o); err != nil {
			logrus.WithError(err).WithField("source_event_id", o.SourceEventID).Error("party: settle order failed")
			w.metrics.RecordSettlement("error")
			continue
		}
		w.metrics.RecordSettlement("ok")
	}
	return nil
}

func alreadySettled(data types.PartyInternalData, o types.Order) bool {
	for _, h := range data.FulfillmentHistory {
		if h.TxIDRef == o.SourceEventID {
			return true
		}
	}
	return false
}

func (w *Watcher) settle(ctx context.Context, pk types.PublicKey, addr types.Address, data types.PartyInternalData, o types.Order) error {
	if o.Kind == types.OrderDeposit {
		return w.settleNativePayout(ctx, pk, addr, data, o)
	}
	return w.settleForeignPayout(ctx, pk, data, o)
}

// settleNativePayout assembles and submits an OutputDepositFulfill
// transaction paying a deposit order out of the party address's own
// spendable RDG balance, gated by ValidateRDGFulfillment before the
// threshold signature is released (§4.11's safety property). The order's
// Destination is parsed as a hex native address. Fold sets it to the
// deposit's foreign sender address and nothing maps that to a native
// address, so a sender address that is not hex fails here with a parse
// error.
func (w *Watcher) settleNativePayout(ctx context.Context, pk types.PublicKey, addr types.Address, data types.PartyInternalData, o types.Order) error {
	dest, err := types.AddressFromHex(o.Destination)
	if err != nil {
		return fmt.Errorf("party: parse native payout destination: %w", err)
	}

	utxos, err := w.relay.Store.QueryUtxosByAddress(ctx, addr)
	if err != nil {
		return fmt.Errorf("party: query spendable utxos: %w", err)
	}
	selected, total, ok := selectUtxos(utxos, NativeCurrency, o.Amount)
	if !ok {
		return types.NewError(types.ErrInsufficientFee, "party: insufficient native balance to fulfil deposit order")
	}

	tx := &types.Transaction{Time: time.Now().Unix()}
	for _, u := range selected {
		tx.Inputs = append(tx.Inputs, types.Input{UtxoID: u.ID})
	}
	tx.Outputs = append(tx.Outputs, types.Output{
		Address:  dest,
		Amount:   o.Amount,
		Currency: string(NativeCurrency),
		Type:     types.OutputDepositFulfill,
		Request:  []byte(o.SourceEventID),
	})
	if total > o.Amount {
		tx.Outputs = append(tx.Outputs, types.Output{
			Address:  addr,
			Amount:   total - o.Amount,
			Currency: string(NativeCurrency),
			Type:     types.OutputCurrency,
		})
	}

	digest := tx.SignableHash()
	proof, err := w.signer.Sign(ctx, SigningRequest{
		PartyKey: pk,
		Digest:   digest,
		Currency: NativeCurrency,
		Validate: func() error { return ValidateRDGFulfillment(data, tx) },
	})
	if err != nil {
		return fmt.Errorf("party: sign native payout: %w", err)
	}
	for i := range tx.Inputs {
		tx.Inputs[i].Proof = proof
	}

	_, err = w.relay.SubmitTransaction(ctx, tx, "party-watcher")
	return err
}

// selectUtxos greedily accumulates currency-denominated entries in a
// deterministic key order until amount is covered.
func selectUtxos(utxos []types.UtxoEntry, currency types.Currency, amount uint64) ([]types.UtxoEntry, uint64, bool) {
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].ID.Key() < utxos[j].ID.Key() })
	var selected []types.UtxoEntry
	var total uint64
	for _, u := range utxos {
		if u.Output.Currency != string(currency) {
			continue
		}
		selected = append(selected, u)
		total += u.Output.Amount
		if total >= amount {
			return selected, total, true
		}
	}
	return nil, 0, false
}

// foreignPayoutIntent is the payload digested and threshold-signed to
// authorize a withdrawal order's external payout. No chain-specific wire
// transaction is built: the adapter's Broadcast receives the canonical JSON
// of this intent together with the threshold proof. BTCAdapter and
// EthAdapter decode their payload as a serialized chain transaction and so
// reject it; MockAdapter accepts it.
type foreignPayoutIntent struct {
	Destination   string         `json:"destination"`
	Amount        uint64         `json:"amount"`
	Currency      types.Currency `json:"currency"`
	SourceEventID string         `json:"source_event_id"`
}

// settleForeignPayout authorizes and broadcasts a withdrawal order's
// external-chain payout, gated by the currency-specific validator before
// the threshold signature is released.
func (w *Watcher) settleForeignPayout(ctx context.Context, pk types.PublicKey, data types.PartyInternalData, o types.Order) error {
	adapter, ok := w.adapters[o.Currency]
	if !ok {
		return fmt.Errorf("party: no chain adapter configured for currency %s", o.Currency)
	}

	intent := foreignPayoutIntent{
		Destination:   o.Destination,
		Amount:        o.Amount,
		Currency:      o.Currency,
		SourceEventID: o.SourceEventID,
	}
	digest, err := merkle.LeafHash(intent)
	if err != nil {
		return fmt.Errorf("party: hash payout intent: %w", err)
	}

	validate := func() error {
		switch o.Currency {
		case "BTC":
			return ValidateBTCFulfillment(data, []struct {
				Destination string
				Amount      uint64
			}{{Destination: o.Destination, Amount: o.Amount}})
		case "ETH":
			return ValidateETHFulfillment(data, o.Destination, o.Amount)
		default:
			return fmt.Errorf("party: no fulfilment validator for currency %s", o.Currency)
		}
	}

	proof, err := w.signer.Sign(ctx, SigningRequest{PartyKey: pk, Digest: digest, Currency: o.Currency, Validate: validate})
	if err != nil {
		return fmt.Errorf("party: sign foreign payout: %w", err)
	}

	payload, err := types.CanonicalBytes(struct {
		Intent foreignPayoutIntent `json:"intent"`
		Proof  types.Proof         `json:"proof"`
	}{Intent: intent, Proof: proof})
	if err != nil {
		return fmt.Errorf("party: marshal payout payload: %w", err)
	}

	_, err = adapter.Broadcast(ctx, pk, o.Currency, payload)
	return err
}
