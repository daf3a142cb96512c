package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedEvent is one line of the local introspection feed: a node-local
// observability signal, not part of the wire protocol between peers.
type FeedEvent struct {
	Kind string      `json:"kind"`
	Time int64       `json:"time"`
	Data interface{} `json:"data"`
}

// Feed is an ambient, local-only websocket broadcast of node activity
// (accepted transactions, formed observations, peer churn), grounded on the
// teacher pack's websocket hub pattern
// (leanlp-BTC-coinjoin/internal/api/websocket.go) generalised from a gin
// handler to a plain net/http one, since this node's HTTP mux is chi-based.
type Feed struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan FeedEvent
}

// NewFeed constructs a Feed; call Run in its own goroutine to start
// dispatching to subscribers.
func NewFeed() *Feed {
	return &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan FeedEvent, 256),
	}
}

// Publish enqueues an event for delivery to every connected subscriber.
// Non-blocking: a full queue drops the event rather than stalling the
// caller's hot path.
func (f *Feed) Publish(kind string, data interface{}) {
	select {
	case f.broadcast <- FeedEvent{Kind: kind, Time: time.Now().Unix(), Data: data}:
	default:
		logrus.WithField("kind", kind).Warn("feed: dropping event, subscriber queue full")
	}
}

// Run drains the broadcast queue to every connected client until ctx-like
// shutdown is performed via Close (there is no separate cancellation signal;
// the caller owns the Feed's lifetime alongside the adapter it instruments).
func (f *Feed) Run() {
	for evt := range f.broadcast {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		f.mu.Lock()
		for conn := range f.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				delete(f.clients, conn)
			}
		}
		f.mu.Unlock()
	}
}

// ServeHTTP upgrades the connection and registers it as a feed subscriber.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("feed: upgrade failed")
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.clients, conn)
			f.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close stops the broadcast loop. Safe to call once all Publish callers
// have stopped.
func (f *Feed) Close() {
	close(f.broadcast)
}

// Serve starts the introspection feed's HTTP server on addr: a chi router
// exposing the websocket upgrade at /feed and a liveness check at /healthz,
// matching the chi mux convention the rest of this node's HTTP surfaces use.
func (f *Feed) Serve(addr string) *http.Server {
	r := chi.NewRouter()
	r.Get("/feed", f.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("feed: server stopped")
		}
	}()
	return srv
}
