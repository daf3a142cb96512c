// Package relay implements the Relay (C2): the process-wide coordination
// object held by every long-running task. It carries no business logic of
// its own — it is a constructor-injected dependency carrier and lock
// directory shared by reference, grounded on the teacher's pattern of
// passing a single *core.Ledger plus channel set into every worker goroutine
// it spawns.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/config"
	"github.com/rg-network/node/pkg/types"
)

// ContentionPool is the live lock for one contested utxo_id: the set of
// concurrently racing transaction attempts that reference it as an input,
// see §4.5.
type ContentionPool struct {
	mu         sync.Mutex
	contenders map[types.Hash]*Contender
}

// Contender is one transaction's registered participation in a
// ContentionPool, carrying a reply channel its own goroutine blocks on.
type Contender struct {
	TxHash types.Hash
	PeerID types.PeerId
	Reply  chan ConflictOutcome
	Trust  float64
}

// ConflictOutcome is delivered to every Contender once the conflict manager
// resolves a pool.
type ConflictOutcome struct {
	WinnerHash types.Hash
	Err        error
}

// Add registers c in the pool keyed by its TxHash and returns it so the
// caller can block on its Reply channel. Arrival order is not recorded.
func (p *ContentionPool) Add(c *Contender) *Contender {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contenders == nil {
		p.contenders = make(map[types.Hash]*Contender)
	}
	p.contenders[c.TxHash] = c
	return c
}

// Snapshot returns every registered Contender, safe to range over after the
// pool itself has been unlocked.
func (p *ContentionPool) Snapshot() []*Contender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Contender, 0, len(p.contenders))
	for _, c := range p.contenders {
		out = append(out, c)
	}
	return out
}

// RequestProcessor is the per-in-flight-transaction state the processor (C6)
// registers so that duplicate or racing requests for the same signable hash
// can be joined instead of reprocessed.
type RequestProcessor struct {
	TxHash types.Hash
	Done   chan struct{}
	Result *types.SubmitTransactionResponse
	Err    error
}

// ObservationRequest is a correlation record pairing a hash with a channel
// for its observation proofs. No component in this module constructs one.
type ObservationRequest struct {
	Hash  types.Hash
	Reply chan []types.ObservationProof
}

// Relay is the dependency carrier shared by every component. It is safe for
// concurrent use: map access is guarded by its own mutex, and the maps only
// ever grow entries that are removed by their owning component once
// resolved (never by an unrelated reader).
type Relay struct {
	Store  store.Store
	Config *config.Config

	Mempool      chan *types.Transaction
	TxProcessIn  chan *ProcessRequest
	ObsMetaIn    chan types.ObservationMetadata
	ObsIn        chan *types.Observation
	PeerSend     chan *PeerSendRequest
	Discovery    chan types.PeerNodeInfo

	poolsMu sync.Mutex
	Pools   map[string]*ContentionPool // keyed by types.UtxoID.Key()

	processorsMu sync.Mutex
	Processors   map[types.Hash]*RequestProcessor

	partiesMu sync.RWMutex
	Parties   map[string]*types.PartyInternalData // keyed by PublicKey.Hex(), copy-on-write snapshot
}

// ProcessRequest is one transaction submitted to C6, carrying the reply
// channel submit_transaction blocks on.
type ProcessRequest struct {
	Tx      *types.Transaction
	TraceID string
	Reply   chan *types.SubmitTransactionResponse
}

// PeerSendRequest is one outbound request dispatched through C9, along with
// the peers to address it to and a deadline.
type PeerSendRequest struct {
	Peers   []types.PeerNodeInfo
	Request *types.Request
	Timeout time.Duration
	Reply   chan []*types.Response
}

// New constructs a Relay wired to store s and configuration cfg. Channel
// capacities are sized from cfg's queue settings so backpressure surfaces at
// the producer instead of growing memory unbounded.
func New(s store.Store, cfg *config.Config) *Relay {
	return &Relay{
		Store:       s,
		Config:      cfg,
		Mempool:     make(chan *types.Transaction, cfg.Mempool.Capacity),
		TxProcessIn: make(chan *ProcessRequest, cfg.Mempool.Capacity),
		ObsMetaIn:   make(chan types.ObservationMetadata, cfg.Observation.QueueCapacity),
		ObsIn:       make(chan *types.Observation, cfg.Observation.QueueCapacity),
		PeerSend:    make(chan *PeerSendRequest, cfg.Network.MaxPeers),
		Discovery:   make(chan types.PeerNodeInfo, cfg.Network.MaxPeers),
		Pools:       make(map[string]*ContentionPool),
		Processors:  make(map[types.Hash]*RequestProcessor),
		Parties:     make(map[string]*types.PartyInternalData),
	}
}

// PoolFor returns the ContentionPool for id, creating it if absent.
func (r *Relay) PoolFor(id types.UtxoID) *ContentionPool {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	key := id.Key()
	p, ok := r.Pools[key]
	if !ok {
		p = &ContentionPool{contenders: make(map[types.Hash]*Contender)}
		r.Pools[key] = p
	}
	return p
}

// PoolCount returns the number of UTXOs that currently have a contention
// pool (one or more registered contenders), for the metrics collector's
// gauge.
func (r *Relay) PoolCount() int {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	return len(r.Pools)
}

// ReleasePool removes id's ContentionPool once the conflict is resolved and
// every Contender has been notified, guaranteeing no orphan locks survive a
// resolved conflict.
func (r *Relay) ReleasePool(id types.UtxoID) {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	delete(r.Pools, id.Key())
}

// RegisterProcessor publishes a RequestProcessor for hash so a racing
// duplicate submission can join it instead of reprocessing.
func (r *Relay) RegisterProcessor(hash types.Hash) (*RequestProcessor, bool) {
	r.processorsMu.Lock()
	defer r.processorsMu.Unlock()
	if existing, ok := r.Processors[hash]; ok {
		return existing, false
	}
	rp := &RequestProcessor{TxHash: hash, Done: make(chan struct{})}
	r.Processors[hash] = rp
	return rp, true
}

// CompleteProcessor stores the terminal result for hash and wakes every
// joined waiter, then removes the registration.
func (r *Relay) CompleteProcessor(hash types.Hash, result *types.SubmitTransactionResponse, err error) {
	r.processorsMu.Lock()
	rp, ok := r.Processors[hash]
	if ok {
		delete(r.Processors, hash)
	}
	r.processorsMu.Unlock()
	if !ok {
		return
	}
	rp.Result, rp.Err = result, err
	close(rp.Done)
}

// PartySnapshot returns the current copy-on-write PartyInternalData for
// publicKey, or nil if none has been folded yet. Callers must not mutate the
// returned value; PublishParty replaces it wholesale.
func (r *Relay) PartySnapshot(publicKey types.PublicKey) *types.PartyInternalData {
	r.partiesMu.RLock()
	defer r.partiesMu.RUnlock()
	return r.Parties[publicKey.Hex()]
}

// PublishParty atomically replaces the published snapshot for publicKey.
// Per §3 ownership note, this is the only mutation path for Parties;
// readers never see a partially-updated snapshot.
func (r *Relay) PublishParty(publicKey types.PublicKey, data *types.PartyInternalData) {
	r.partiesMu.Lock()
	defer r.partiesMu.Unlock()
	r.Parties[publicKey.Hex()] = data
}

// SubmitTransaction enqueues tx for processing and blocks until C6 produces
// a terminal SubmitTransactionResponse or ctx is cancelled.
func (r *Relay) SubmitTransaction(ctx context.Context, tx *types.Transaction, traceID string) (*types.SubmitTransactionResponse, error) {
	hash := tx.SignableHash()
	rp, isNew := r.RegisterProcessor(hash)
	if isNew {
		reply := make(chan *types.SubmitTransactionResponse, 1)
		select {
		case r.TxProcessIn <- &ProcessRequest{Tx: tx, TraceID: traceID, Reply: reply}:
		case <-ctx.Done():
			r.CompleteProcessor(hash, nil, ctx.Err())
			return nil, ctx.Err()
		}
		select {
		case res := <-reply:
			r.CompleteProcessor(hash, res, nil)
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-rp.Done:
		return rp.Result, rp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe returns the observation proofs this node's store currently holds
// for hash. It makes a single store query and does not wait for further
// proofs to arrive.
func (r *Relay) Observe(ctx context.Context, hash types.Hash) ([]types.ObservationProof, error) {
	proofs, err := r.Store.SelectObservationEdge(ctx, hash)
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

// Broadcast dispatches request to peers through C9 and waits up to timeout
// for the reply. It returns the complete response slice, or, once the
// deadline passes, a Timeout error and no partial results.
func (r *Relay) Broadcast(ctx context.Context, peers []types.PeerNodeInfo, request *types.Request, timeout time.Duration) ([]*types.Response, error) {
	reply := make(chan []*types.Response, 1)
	req := &PeerSendRequest{Peers: peers, Request: request, Timeout: timeout, Reply: reply}
	select {
	case r.PeerSend <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, types.NewError(types.ErrTimeout, "broadcast deadline exceeded")
	}
}

// SubmitToMempool hands an already-validated transaction to C3.
func (r *Relay) SubmitToMempool(ctx context.Context, tx *types.Transaction) error {
	select {
	case r.Mempool <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return types.NewError(types.ErrMempoolFull, "mempool queue at capacity")
	}
}
