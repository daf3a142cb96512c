package txprocessor

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/internal/conflict"
	"github.com/rg-network/node/internal/mempool"
	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/internal/resolver"
	"github.com/rg-network/node/pkg/types"
)

// rejectionCacheSize bounds the in-memory memo of recent prior-rejection
// lookups (step 2's short-circuit); it trades a little staleness risk on
// eviction (falls back to the store, never wrong) for avoiding a store
// round-trip on a hot resubmitted hash.
const rejectionCacheSize = 4096

// ObservationSubmitter is C7's per-transaction contract: submit one vote,
// block until the next formation cycle, and receive the resulting
// ObservationProof. Declared here rather than imported from the observation
// package's concrete type to keep txprocessor decoupled from C7's internals.
type ObservationSubmitter interface {
	Submit(ctx context.Context, meta types.ObservationMetadata) (types.ObservationProof, error)
}

// Processor drives one transaction through the C6 lifecycle: New ->
// Prevalidated -> Resolved -> Locked -> ObservedPending -> Gossiped ->
// ContentionResolved -> ObservedAccepted -> Persisted, with Rejected(kind)
// reachable from any non-terminal state.
type Processor struct {
	relay        *relay.Relay
	resolver     *resolver.Resolver
	conflictMgr  *conflict.Manager
	observations ObservationSubmitter
	writerIn     chan<- mempool.AcceptedTx

	resolveTimeout     time.Duration
	finalizationWindow time.Duration

	rejectionCache *lru.Cache[types.Hash, *types.RejectionReason]
}

// New constructs a Processor. writerIn is the channel C3's Writer drains.
func New(r *relay.Relay, res *resolver.Resolver, cm *conflict.Manager, obs ObservationSubmitter, writerIn chan<- mempool.AcceptedTx, resolveTimeout, finalizationWindow time.Duration) *Processor {
	cache, err := lru.New[types.Hash, *types.RejectionReason](rejectionCacheSize)
	if err != nil {
		panic("txprocessor: construct rejection cache: " + err.Error())
	}
	return &Processor{
		relay:              r,
		resolver:           res,
		conflictMgr:        cm,
		observations:       obs,
		writerIn:           writerIn,
		resolveTimeout:     resolveTimeout,
		finalizationWindow: finalizationWindow,
		rejectionCache:     cache,
	}
}

// Process runs the full per-transaction lifecycle and returns the terminal
// SubmitTransactionResponse. Every return path releases every contention
// pool this invocation registered with, so a panic recovery at the call site
// cannot leave an orphan lock — the cleanup is entirely deferred, not
// best-effort. The RequestProcessor registration is removed by
// Relay.SubmitTransaction through CompleteProcessor, not here.
func (p *Processor) Process(ctx context.Context, req *relay.ProcessRequest) {
	tx := req.Tx
	hash := tx.SignableHash()

	var registeredUtxos []types.UtxoID
	cleanup := func() {
		for _, id := range registeredUtxos {
			p.relay.ReleasePool(id)
		}
	}
	defer cleanup()

	resp, err := p.process(ctx, tx, hash, req.TraceID, &registeredUtxos)
	if err != nil {
		resp = &types.SubmitTransactionResponse{
			Hash:      hash,
			Rejection: &types.RejectionReason{Kind: kindOf(err), Msg: err.Error()},
		}
		if insertErr := p.relay.Store.InsertTransaction(ctx, tx, time.Now().Unix(), false, resp.Rejection); insertErr != nil {
			logrus.WithError(insertErr).Error("txprocessor: persist rejection")
		}
	}
	select {
	case req.Reply <- resp:
	default:
	}
}

func kindOf(err error) types.ErrorKind {
	if e, ok := err.(*types.Error); ok {
		return e.Kind
	}
	return types.ErrInternal
}

func (p *Processor) process(ctx context.Context, tx *types.Transaction, hash types.Hash, traceID string, registeredUtxos *[]types.UtxoID) (*types.SubmitTransactionResponse, error) {
	// Step 2: prior rejection short-circuit, memoized to spare the store a
	// round-trip on a hash resubmitted while still hot in cache.
	if cached, ok := p.rejectionCache.Get(hash); ok {
		return &types.SubmitTransactionResponse{Hash: hash, Rejection: cached}, nil
	}
	if _, rejection, ok, err := p.relay.Store.QueryMaybeTransaction(ctx, hash); err != nil {
		return nil, err
	} else if ok && rejection != nil {
		p.rejectionCache.Add(hash, rejection)
		return &types.SubmitTransactionResponse{Hash: hash, Rejection: rejection}, nil
	}

	// Step 3: prevalidate.
	if err := Prevalidate(tx); err != nil {
		return nil, err
	}

	// Step 4: resolve every input.
	fullyInternal := true
	var unionProofs []types.ObservationProof
	inputTotals := make(map[string]uint64)
	for _, in := range tx.Inputs {
		resolved, err := p.resolver.Resolve(ctx, in, hash, p.resolveTimeout)
		if err != nil {
			return nil, err
		}
		if !resolved.InternalAccepted {
			fullyInternal = false
		}
		unionProofs = append(unionProofs, resolved.ObservationProofs...)
		if resolved.PriorOutput.Type == types.OutputCurrency || resolved.PriorOutput.Type == types.OutputFee {
			inputTotals[resolved.PriorOutput.Currency] += resolved.PriorOutput.Amount
		}
	}
	if err := checkBalance(inputTotals, tx.OutputTotals()); err != nil {
		return nil, err
	}

	// Step 5: register with conflict manager for every input.
	var contenders []*conflictContender
	for _, in := range tx.Inputs {
		c := p.conflictMgr.Register(in.UtxoID, conflict.Candidate{TxHash: hash, StartTime: time.Now().Unix(), Trust: 1.0})
		*registeredUtxos = append(*registeredUtxos, in.UtxoID)
		contenders = append(contenders, &conflictContender{utxoID: in.UtxoID, contender: c})
	}

	validation := types.ValidationFull
	if !fullyInternal {
		validation = types.ValidationPartial
	}

	// Step 6: submit Pending vote, await this cycle's proof.
	if p.observations != nil {
		if _, err := p.observations.Submit(ctx, types.ObservationMetadata{
			ObservedHash: hash, State: types.ObsPending, Validation: validation,
			Liveness: types.LivenessLive, Time: time.Now().Unix(),
		}); err != nil {
			logrus.WithError(err).Warn("txprocessor: pending observation submit failed")
		}
	}

	// Step 7: gossip (fire-and-forget).
	go func() {
		peers, err := p.relay.Store.AllPeersInfo(ctx)
		if err != nil {
			return
		}
		_, _ = p.relay.Broadcast(context.Background(), peers, &types.Request{GossipTransaction: tx}, p.finalizationWindow)
	}()

	// Step 8/9: wait out the finalisation window, then resolve any conflict.
	// The tally must cover every contender currently registered against each
	// input's pool, not just this transaction's own vote, or the trust-
	// weighted tie-break can never pick anyone but the caller itself. Only
	// one racer actually needs to drive Resolve per pool (a concurrent
	// second call just finds the pool already emptied and is a no-op); every
	// racer then learns the outcome off its own contender's Reply channel,
	// which is how Resolve notifies contenders rather than a return value.
	timer := time.NewTimer(p.finalizationWindow)
	<-timer.C
	for _, c := range contenders {
		pool := p.relay.PoolFor(c.utxoID)
		if snapshot := pool.Snapshot(); len(snapshot) > 0 {
			p.conflictMgr.Resolve(c.utxoID, votesFromSnapshot(snapshot))
		}
	}
	for _, c := range contenders {
		select {
		case outcome := <-c.contender.Reply:
			if outcome.Err != nil {
				return nil, outcome.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Step 10: submit Accepted vote.
	if p.observations != nil {
		acceptedProof, err := p.observations.Submit(ctx, types.ObservationMetadata{
			ObservedHash: hash, State: types.ObsAccepted, Validation: validation,
			Liveness: types.LivenessLive, Time: time.Now().Unix(),
		})
		if err == nil {
			unionProofs = append(unionProofs, acceptedProof)
		}
	}

	// Step 11: add the observation proofs this node's own store holds for
	// the hash; peers are not queried.
	localProofs, err := p.relay.Store.SelectObservationEdge(ctx, hash)
	if err == nil {
		unionProofs = append(unionProofs, localProofs...)
	}
	unionProofs = dedupeProofs(unionProofs)

	// Step 12: enqueue for persistence.
	select {
	case p.writerIn <- mempool.AcceptedTx{Tx: tx, Time: time.Now().Unix(), Accepted: true}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logrus.WithFields(logrus.Fields{"trace_id": traceID, "hash": hash.Hex()}).Info("txprocessor: transaction accepted")

	return &types.SubmitTransactionResponse{Hash: hash, ObservationProof: unionProofs}, nil
}

type conflictContender struct {
	utxoID    types.UtxoID
	contender *relay.Contender
}

// votesFromSnapshot builds the peer_id -> tx_hash -> trust tally input
// conflict.Resolve expects out of every contender currently registered in a
// pool, so the resulting tie-break reflects all racing transactions, not
// just the one driving this call.
func votesFromSnapshot(snapshot []*relay.Contender) map[types.PeerId]map[types.Hash]float64 {
	votes := make(map[types.PeerId]map[types.Hash]float64, len(snapshot))
	for _, c := range snapshot {
		byHash, ok := votes[c.PeerID]
		if !ok {
			byHash = make(map[types.Hash]float64)
			votes[c.PeerID] = byHash
		}
		byHash[c.TxHash] = c.Trust
	}
	return votes
}

// checkBalance enforces §4.4's transaction-level invariant: for each
// currency, the sum of resolved input amounts must equal the sum of output
// amounts (fee outputs included, per §3's balance invariant).
func checkBalance(inputTotals, outputTotals map[string]uint64) error {
	currencies := make(map[string]struct{}, len(inputTotals)+len(outputTotals))
	for c := range inputTotals {
		currencies[c] = struct{}{}
	}
	for c := range outputTotals {
		currencies[c] = struct{}{}
	}
	for c := range currencies {
		if inputTotals[c] != outputTotals[c] {
			return types.NewError(types.ErrBalanceMismatch, "input and output totals differ for currency "+c)
		}
	}
	return nil
}

func dedupeProofs(proofs []types.ObservationProof) []types.ObservationProof {
	seen := make(map[types.Hash]struct{}, len(proofs))
	out := make([]types.ObservationProof, 0, len(proofs))
	for _, p := range proofs {
		if _, ok := seen[p.MerkleRoot]; ok {
			continue
		}
		seen[p.MerkleRoot] = struct{}{}
		out = append(out, p)
	}
	return out
}
