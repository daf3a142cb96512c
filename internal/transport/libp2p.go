package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/pkg/types"
)

// ProtocolID is the stream protocol used for direct request/response
// exchanges; pubsub handles fire-and-forget gossip separately.
const ProtocolID = protocol.ID("/rgnode/request/1.0.0")

// gossipTopic selects the pubsub topic for a Request's populated payload,
// matching the teacher's one-topic-per-message-kind convention
// (core/network.go's "orphan-block" topic).
func gossipTopic(req *types.Request) string {
	switch {
	case req.GossipTransaction != nil:
		return "rgnode/tx"
	case req.GossipObservation != nil:
		return "rgnode/observation"
	default:
		return "rgnode/misc"
	}
}

// LibP2PAdapter is the default Adapter, grounded on the teacher's
// host+pubsub+mDNS node (core/network.go NewNode), generalised to carry the
// node's own Request/Response envelope instead of raw block bytes.
type LibP2PAdapter struct {
	host   host.Host
	pubsub *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription

	handlerMu sync.RWMutex
	handler   func(ctx context.Context, from types.PeerNodeInfo, req *types.Request) *types.Response
}

// NewLibP2PAdapter creates and bootstraps a node: a libp2p host listening on
// listenAddr, a gossipsub router, mDNS discovery tagged discoveryTag, and
// dials every address in bootstrapPeers.
func NewLibP2PAdapter(listenAddr, discoveryTag string, bootstrapPeers []string) (*LibP2PAdapter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create gossipsub: %w", err)
	}

	a := &LibP2PAdapter{
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	h.SetStreamHandler(ProtocolID, a.handleStream)

	for _, addr := range bootstrapPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logrus.WithError(err).WithField("addr", addr).Warn("transport: invalid bootstrap address")
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			logrus.WithError(err).WithField("addr", addr).Warn("transport: bootstrap dial failed")
			continue
		}
	}

	if _, err := mdns.NewMdnsService(h, discoveryTag, mdnsNotifee{host: h, ctx: ctx}).Start(); err != nil {
		logrus.WithError(err).Warn("transport: mdns discovery unavailable")
	}

	return a, nil
}

type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, pi); err != nil {
		logrus.WithError(err).WithField("peer", pi.ID.String()).Debug("transport: mdns connect failed")
	}
}

func (a *LibP2PAdapter) handleStream(s network.Stream) {
	defer s.Close()
	var req types.Request
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		logrus.WithError(err).Debug("transport: decode inbound request")
		return
	}

	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()

	var resp *types.Response
	if h != nil {
		resp = h(a.ctx, types.PeerNodeInfo{Node: req.Originator}, &req)
	} else {
		resp = &types.Response{Success: false, Error: &types.ErrorInfo{Kind: types.ErrInternal, Msg: "no handler registered"}, TraceID: req.TraceID}
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		logrus.WithError(err).Debug("transport: encode outbound response")
	}
}

func (a *LibP2PAdapter) SetHandler(fn func(ctx context.Context, from types.PeerNodeInfo, req *types.Request) *types.Response) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handler = fn
}

func (a *LibP2PAdapter) Send(ctx context.Context, p types.PeerNodeInfo, req *types.Request, timeout time.Duration) (*types.Response, error) {
	pid, err := peer.Decode(string(p.PeerID))
	if err != nil {
		return nil, fmt.Errorf("transport: decode peer id: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := a.host.NewStream(streamCtx, pid, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	defer s.Close()

	if err := json.NewEncoder(s).Encode(req); err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}

	var resp types.Response
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	return &resp, nil
}

func (a *LibP2PAdapter) Gossip(ctx context.Context, req *types.Request) error {
	topicName := gossipTopic(req)
	t, err := a.topicFor(topicName)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: marshal gossip payload: %w", err)
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("transport: publish topic %s: %w", topicName, err)
	}
	return nil
}

func (a *LibP2PAdapter) topicFor(name string) (*pubsub.Topic, error) {
	a.topicMu.Lock()
	defer a.topicMu.Unlock()
	if t, ok := a.topics[name]; ok {
		return t, nil
	}
	t, err := a.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
	}
	a.topics[name] = t

	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe topic %s: %w", name, err)
	}
	a.subs[name] = sub
	go a.readLoop(name, sub)

	return t, nil
}

func (a *LibP2PAdapter) readLoop(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(a.ctx)
		if err != nil {
			logrus.WithError(err).WithField("topic", topicName).Debug("transport: subscription closed")
			return
		}
		if msg.ReceivedFrom == a.host.ID() {
			continue
		}
		var req types.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			continue
		}
		a.handlerMu.RLock()
		h := a.handler
		a.handlerMu.RUnlock()
		if h != nil {
			h(a.ctx, types.PeerNodeInfo{Node: req.Originator}, &req)
		}
	}
}

func (a *LibP2PAdapter) Close() error {
	a.cancel()
	return a.host.Close()
}
