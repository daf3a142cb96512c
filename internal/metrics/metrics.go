// Package metrics exposes this node's runtime health as Prometheus gauges
// and counters, grounded on the teacher's core/system_health_logging.go
// HealthLogger: a private registry, one gauge per tracked quantity, a
// ticker-driven collector, and a promhttp-backed HTTP server.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/internal/relay"
)

// Source supplies the point-in-time counts Collector samples each tick.
// Implemented in production by the relaySource wrapper that NewRelaySource
// builds around *relay.Relay; a narrow interface here keeps
// this package free of a dependency cycle back onto callers that only need
// to record counters (PartyCycle, PartySettlement).
type Source interface {
	MempoolLen() int
	PeerCount(ctx context.Context) (int, error)
	PoolCount() int
}

// Collector owns the node's Prometheus registry and the gauges/counters
// sampled from it.
type Collector struct {
	registry *prometheus.Registry

	mempoolGauge       prometheus.Gauge
	peerCountGauge     prometheus.Gauge
	contentionGauge    prometheus.Gauge
	memAllocGauge      prometheus.Gauge
	goroutinesGauge    prometheus.Gauge
	partyCycleCounter  prometheus.Counter
	partySettleCounter *prometheus.CounterVec
	errorCounter       prometheus.Counter
}

// New constructs a Collector and registers every metric against a fresh
// private registry (never the global default, so multiple node instances in
// one test process never collide on metric names).
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.mempoolGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rgnode_mempool_size",
		Help: "Number of transactions currently queued in the mempool admission channel",
	})
	c.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rgnode_peer_count",
		Help: "Number of peers known to the active_nodes index",
	})
	c.contentionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rgnode_contention_pools",
		Help: "Number of UTXOs that currently have a contention pool (one or more in-flight transactions)",
	})
	c.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rgnode_mem_alloc_bytes",
		Help: "Current heap allocation in bytes",
	})
	c.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rgnode_goroutines",
		Help: "Number of running goroutines",
	})
	c.partyCycleCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rgnode_party_watcher_cycles_total",
		Help: "Total number of party watcher reconcile cycles completed",
	})
	c.partySettleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rgnode_party_settlements_total",
		Help: "Total number of party order settlements attempted, labeled by outcome",
	}, []string{"outcome"})
	c.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rgnode_background_errors_total",
		Help: "Total number of errors logged by background services",
	})

	reg.MustRegister(
		c.mempoolGauge,
		c.peerCountGauge,
		c.contentionGauge,
		c.memAllocGauge,
		c.goroutinesGauge,
		c.partyCycleCounter,
		c.partySettleCounter,
		c.errorCounter,
	)
	return c
}

// RecordPartyCycle increments the watcher cycle counter; call once per
// reconcile pass from internal/party.Watcher.Run.
func (c *Collector) RecordPartyCycle() { c.partyCycleCounter.Inc() }

// RecordSettlement increments the settlement counter for outcome, which is
// "ok" or "error".
func (c *Collector) RecordSettlement(outcome string) {
	c.partySettleCounter.WithLabelValues(outcome).Inc()
}

// RecordError increments the background-error counter.
func (c *Collector) RecordError() { c.errorCounter.Inc() }

// sample reads src and runtime.MemStats into the gauges.
func (c *Collector) sample(ctx context.Context, src Source) {
	c.mempoolGauge.Set(float64(src.MempoolLen()))
	c.contentionGauge.Set(float64(src.PoolCount()))
	if n, err := src.PeerCount(ctx); err == nil {
		c.peerCountGauge.Set(float64(n))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.memAllocGauge.Set(float64(mem.Alloc))
	c.goroutinesGauge.Set(float64(runtime.NumGoroutine()))
}

// Run samples src on a fixed cadence until ctx is cancelled, matching the
// node's other ticker-driven background services.
func (c *Collector) Run(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sample(ctx, src)
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Info("metrics: collector cancelled")
			return
		}
	}
}

// Serve starts an HTTP server exposing /metrics on addr, returning the
// server so the caller manages its shutdown lifecycle.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("metrics: server stopped")
		}
	}()
	return srv
}

// relaySource adapts *relay.Relay to Source.
type relaySource struct{ r *relay.Relay }

// NewRelaySource wraps r as a metrics Source.
func NewRelaySource(r *relay.Relay) Source { return relaySource{r: r} }

func (s relaySource) MempoolLen() int { return len(s.r.Mempool) }

func (s relaySource) PeerCount(ctx context.Context) (int, error) {
	peers, err := s.r.Store.AllPeersInfo(ctx)
	if err != nil {
		return 0, err
	}
	return len(peers), nil
}

func (s relaySource) PoolCount() int {
	return s.r.PoolCount()
}
