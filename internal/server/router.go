// Package server implements the wire-protocol dispatcher: the single
// function transport.Adapter.SetHandler registers to turn an inbound
// types.Request into a types.Response. Grounded on the teacher's
// AIStubClient-style single-purpose RPC handlers (core/ai.go), generalised
// here into one switch over the request union instead of one method per
// stub service.
package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/rg-network/node/internal/observation"
	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/pkg/types"
)

// FeedPublisher is the narrow capability the router uses to mirror node
// activity onto the local introspection feed; *transport.Feed satisfies it.
// Declared here rather than imported to avoid a server->transport->server
// style coupling beyond what dispatching actually needs.
type FeedPublisher interface {
	Publish(kind string, data interface{})
}

// Router dispatches inbound requests against the node's shared components.
type Router struct {
	relay      *relay.Relay
	obsHandler *observation.Handler
	self       types.NodeMetadata
	feed       FeedPublisher
}

// NewRouter constructs a Router reporting self as this node's identity in
// about_node responses. feed may be nil, in which case activity is not
// mirrored anywhere.
func NewRouter(r *relay.Relay, obsHandler *observation.Handler, self types.NodeMetadata, feed FeedPublisher) *Router {
	return &Router{relay: r, obsHandler: obsHandler, self: self, feed: feed}
}

func (rt *Router) publish(kind string, data interface{}) {
	if rt.feed != nil {
		rt.feed.Publish(kind, data)
	}
}

// Handle is the function registered with transport.Adapter.SetHandler. from
// is not yet consulted by any operation below; it is carried in the
// signature so a future trust-weighted rate limit has a place to read it.
// A request arriving without a trace ID (a direct CLI/local caller rather
// than a peer that already stamped one) is assigned a fresh one so every
// log line and feed event for it can still be correlated.
func (rt *Router) Handle(ctx context.Context, from types.PeerNodeInfo, req *types.Request) *types.Response {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	resp := rt.dispatch(ctx, req)
	resp.TraceID = req.TraceID
	return resp
}

func (rt *Router) dispatch(ctx context.Context, req *types.Request) *types.Response {
	switch {
	case req.SubmitTransaction != nil:
		return rt.handleSubmitTransaction(ctx, req.SubmitTransaction, req.TraceID)
	case req.GossipTransaction != nil:
		return rt.handleGossipTransaction(req.GossipTransaction, req.TraceID)
	case req.GossipObservation != nil:
		return rt.handleGossipObservation(ctx, req.GossipObservation)
	case req.QueryObservationProof != nil:
		return rt.handleQueryObservationProof(ctx, req.QueryObservationProof.Hash)
	case req.ResolveHash != nil:
		return rt.handleResolveHash(ctx, req.ResolveHash)
	case req.BatchTransactionResolve != nil:
		return rt.handleBatchResolve(ctx, req.BatchTransactionResolve)
	case req.UtxoValid != nil:
		return rt.handleUtxoValid(ctx, *req.UtxoValid)
	case req.GetPeersInfo != nil:
		return rt.handleGetPeersInfo(ctx)
	case req.AboutNode != nil:
		return rt.handleAboutNode(ctx)
	case req.GetActivePartyKey != nil:
		return rt.handleGetActivePartyKey(ctx)
	case req.GetPartiesInfo != nil:
		return rt.handleGetPartiesInfo(ctx)
	case req.HashSearch != nil:
		return rt.handleHashSearch(ctx, req.HashSearch.Query)
	default:
		return errorResponse(types.NewError(types.ErrInternal, "request carries no recognised operation"))
	}
}

func errorResponse(err error) *types.Response {
	return &types.Response{Success: false, Error: types.ErrorInfoFrom(err)}
}

func (rt *Router) handleSubmitTransaction(ctx context.Context, tx *types.Transaction, traceID string) *types.Response {
	res, err := rt.relay.SubmitTransaction(ctx, tx, traceID)
	if err != nil {
		return errorResponse(err)
	}
	if res.Rejection == nil {
		rt.publish("tx_accepted", res)
	} else {
		rt.publish("tx_rejected", res)
	}
	return &types.Response{Success: res.Rejection == nil, SubmitTransactionResponse: res}
}

// handleGossipTransaction enqueues a peer-forwarded transaction for
// processing without blocking on its terminal outcome; the originating
// node already owns that wait via its own submit_transaction call.
func (rt *Router) handleGossipTransaction(tx *types.Transaction, traceID string) *types.Response {
	reply := make(chan *types.SubmitTransactionResponse, 1)
	select {
	case rt.relay.TxProcessIn <- &relay.ProcessRequest{Tx: tx, TraceID: traceID, Reply: reply}:
		return &types.Response{Success: true}
	default:
		return errorResponse(types.NewError(types.ErrMempoolFull, "gossip transaction dropped: processor queue full"))
	}
}

func (rt *Router) handleGossipObservation(ctx context.Context, obs *types.Observation) *types.Response {
	if err := rt.obsHandler.HandleGossipObservation(ctx, obs); err != nil {
		return errorResponse(err)
	}
	return &types.Response{Success: true}
}

func (rt *Router) handleQueryObservationProof(ctx context.Context, hash types.Hash) *types.Response {
	proofs, err := rt.relay.Store.SelectObservationEdge(ctx, hash)
	if err != nil {
		return errorResponse(err)
	}
	return &types.Response{Success: true, ObservationProofs: proofs}
}

func (rt *Router) handleResolveHash(ctx context.Context, req *types.ResolveHashRequest) *types.Response {
	tx, rejection, ok, err := rt.relay.Store.QueryMaybeTransaction(ctx, req.Hash)
	if err != nil {
		return errorResponse(err)
	}
	if !ok {
		return &types.Response{Success: true, ResolveHashResponse: &types.ResolveHashResponse{}}
	}
	_, validOutput, err := rt.relay.Store.QueryUtxo(ctx, types.UtxoID{TxHash: req.Hash, OutputIndex: req.OutputIndex})
	if err != nil {
		return errorResponse(err)
	}
	proofs, err := rt.relay.Store.SelectObservationEdge(ctx, req.Hash)
	if err != nil {
		return errorResponse(err)
	}
	return &types.Response{Success: true, ResolveHashResponse: &types.ResolveHashResponse{
		Transaction:        tx,
		QueriedOutputValid: validOutput,
		ObservationProofs:  proofs,
		InternallyAccepted: rejection == nil,
	}}
}

func (rt *Router) handleBatchResolve(ctx context.Context, req *types.BatchTransactionResolveReq) *types.Response {
	var proofs []types.ObservationProof
	for _, h := range req.Hashes {
		edges, err := rt.relay.Store.SelectObservationEdge(ctx, h)
		if err != nil {
			return errorResponse(err)
		}
		proofs = append(proofs, edges...)
	}
	return &types.Response{Success: true, ObservationProofs: proofs}
}

func (rt *Router) handleUtxoValid(ctx context.Context, id types.UtxoID) *types.Response {
	valid, err := rt.relay.Store.UtxoIDValid(ctx, id)
	if err != nil {
		return errorResponse(err)
	}
	return &types.Response{Success: true, UtxoValidResponse: &valid}
}

func (rt *Router) handleGetPeersInfo(ctx context.Context) *types.Response {
	peers, err := rt.relay.Store.AllPeersInfo(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return &types.Response{Success: true, PeersInfoResponse: peers}
}

// handleAboutNode reports this node's own latest observation height as the
// wire protocol's AboutNodeResponse.Height: there is no global block height
// in this UTXO-DAG model (§1 Non-goals exclude block production), so the
// closest analogue is how many attestation batches this node has formed.
func (rt *Router) handleAboutNode(ctx context.Context) *types.Response {
	height := uint64(0)
	if obs, ok, err := rt.relay.Store.SelectLatestObservation(ctx, rt.self.PublicKey); err == nil && ok {
		height = obs.Height
	}
	return &types.Response{Success: true, AboutNodeResponse: &types.AboutNodeResponse{Node: rt.self, Height: height}}
}

func (rt *Router) handleGetActivePartyKey(ctx context.Context) *types.Response {
	parties, err := rt.relay.Store.AllPartyInfoWithKey(ctx)
	if err != nil {
		return errorResponse(err)
	}
	if len(parties) == 0 {
		return errorResponse(types.NewError(types.ErrInternal, "no party key has been initialised on this node"))
	}
	pk := parties[0].PublicKey
	return &types.Response{Success: true, ActivePartyKeyResponse: &pk}
}

func (rt *Router) handleGetPartiesInfo(ctx context.Context) *types.Response {
	parties, err := rt.relay.Store.AllPartyInfoWithKey(ctx)
	if err != nil {
		return errorResponse(err)
	}
	out := make([]types.PartyInfoSummary, 0, len(parties))
	for _, p := range parties {
		summary := types.PartyInfoSummary{PublicKey: p.PublicKey, Node: p.Info.Node}
		if p.Internal != nil {
			summary.Balances = p.Internal.Balances
			summary.CentralPrices = p.Internal.CentralPrices
		}
		out = append(out, summary)
	}
	return &types.Response{Success: true, PartiesInfoResponse: out}
}

// handleHashSearch looks up query as a transaction hash in this node's own
// store. A hash the store does not hold yields an empty result; no peer is
// consulted.
func (rt *Router) handleHashSearch(ctx context.Context, query string) *types.Response {
	hash, err := types.HashFromHex(query)
	if err != nil {
		return errorResponse(types.Wrap(types.ErrValidationSchema, "hash_search query is not a hex hash", err))
	}
	tx, _, ok, err := rt.relay.Store.QueryMaybeTransaction(ctx, hash)
	if err != nil {
		return errorResponse(err)
	}
	if ok {
		return &types.Response{Success: true, HashSearchResponse: &types.HashSearchResponse{Transaction: tx}}
	}
	return &types.Response{Success: true, HashSearchResponse: &types.HashSearchResponse{}}
}
