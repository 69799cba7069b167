// Package metrics registers the pipeline's Prometheus instruments on a
// private registry and serves them over promhttp.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge and histogram the pipeline exposes.
// Fields are exported so the hot stages touch them directly without a method
// call in between.
type Metrics struct {
	registry *prometheus.Registry
	logger   log.Logger

	// RX
	RxPackets *prometheus.CounterVec // chan
	RxBytes   *prometheus.CounterVec // chan
	RxDrops   *prometheus.CounterVec // chan

	// Merge
	MergeGaps        prometheus.Counter
	MergeDups        *prometheus.CounterVec // chan
	MergeOOO         prometheus.Counter
	MergeForwards    *prometheus.CounterVec // chan
	MergeFailovers   prometheus.Counter
	MergePreferredA  prometheus.Gauge
	MergeEvictions   prometheus.Counter
	MergeWindowFull  prometheus.Counter
	MergeGapsByChan  *prometheus.CounterVec // chan
	MergeReorderSize prometheus.Gauge

	// Decode / book
	DecodePackets   prometheus.Counter
	DecodeMessages  prometheus.Counter
	DecodeErrors    prometheus.Counter
	BookLiveOrders  prometheus.Gauge
	BookDupOrders   prometheus.Counter
	BookUnknown     prometheus.Counter
	BookStaleTrades prometheus.Counter

	// Bus / egress
	WsClients      prometheus.Gauge
	OutFrames      prometheus.Counter
	OutBytes       prometheus.Counter
	DroppedClients prometheus.Counter

	// Latency
	E2ELatency     *prometheus.HistogramVec // source
	StageRxMerge   prometheus.Histogram
	StageMergeDec  prometheus.Histogram
	TsViolations   *prometheus.CounterVec // queue
	QueueDepth     *prometheus.GaugeVec   // queue
	PoolFramesFree prometheus.Gauge

	// System
	MemoryUsage prometheus.Gauge
	Goroutines  prometheus.Gauge
}

// latencyBuckets spans 1us to ~4s in powers of four.
var latencyBuckets = prometheus.ExponentialBuckets(1e-6, 4, 12)

// New builds and registers the metric set under the given namespace.
func New(namespace string, logger log.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logger:   logger,

		RxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rx_packets_total",
			Help: "Datagrams received per channel",
		}, []string{"chan"}),
		RxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rx_bytes_total",
			Help: "Payload bytes received per channel",
		}, []string{"chan"}),
		RxDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rx_drops_total",
			Help: "Datagrams dropped at RX (pool exhausted, oversized, queue full)",
		}, []string{"chan"}),

		MergeGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_gaps_total",
			Help: "Sequence gaps declared by the merge stage",
		}),
		MergeDups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_dups_total",
			Help: "Duplicate packets filtered per channel",
		}, []string{"chan"}),
		MergeOOO: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_out_of_order_total",
			Help: "Packets emitted from the reorder window",
		}),
		MergeForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_forwards_total",
			Help: "Packets forwarded downstream per winning channel",
		}, []string{"chan"}),
		MergeFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_failovers_total",
			Help: "Preferred-feed switches",
		}),
		MergePreferredA: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "merge_preferred_is_a",
			Help: "1 when feed A is currently preferred",
		}),
		MergeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_evictions_total",
			Help: "Pending frames evicted when the reorder buffer hit max_pending",
		}),
		MergeWindowFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_window_full_total",
			Help: "Arrivals beyond the reorder window that forced a gap",
		}),
		MergeGapsByChan: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_gaps_by_chan_total",
			Help: "Gap-triggering packets per channel",
		}, []string{"chan"}),
		MergeReorderSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "merge_reorder_window",
			Help: "Current reorder window size (adaptive)",
		}),

		DecodePackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_packets_total",
			Help: "Packets processed by the decoder",
		}),
		DecodeMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_messages_total",
			Help: "Messages decoded from packets",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Malformed packets dropped by the decoder",
		}),
		BookLiveOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "book_live_orders",
			Help: "Resting orders across all instruments",
		}),
		BookDupOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "book_duplicate_orders_total",
			Help: "Adds rejected because the order id was already live",
		}),
		BookUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "book_unknown_orders_total",
			Help: "Modifies/cancels referencing unknown order ids",
		}),
		BookStaleTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "book_stale_trades_total",
			Help: "Trades against makers already removed from the book",
		}),

		WsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_clients",
			Help: "Connected WebSocket subscribers",
		}),
		OutFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "out_frames_total",
			Help: "OBO frames published to the bus",
		}),
		OutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "out_bytes_total",
			Help: "OBO frame bytes published to the bus",
		}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_clients_total",
			Help: "Subscribers dropped for falling behind",
		}),

		E2ELatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "e2e_latency_seconds",
			Help:    "Wire-to-decode latency by timestamp source",
			Buckets: latencyBuckets,
		}, []string{"source"}),
		StageRxMerge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_rx_to_merge_seconds",
			Help:    "RX receipt to merge emit",
			Buckets: latencyBuckets,
		}),
		StageMergeDec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_merge_to_decode_seconds",
			Help:    "Merge emit to decode pickup",
			Buckets: latencyBuckets,
		}),
		TsViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ts_monotonic_violations_total",
			Help: "Wire timestamps that went backwards within a queue",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Sampled SPSC queue depth",
		}, []string{"queue"}),
		PoolFramesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_frames_free",
			Help: "Free frames remaining in the packet pool",
		}),

		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_usage_bytes",
			Help: "Current heap allocation",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "goroutines_count",
			Help: "Current number of goroutines",
		}),
	}

	reg.MustRegister(
		m.RxPackets, m.RxBytes, m.RxDrops,
		m.MergeGaps, m.MergeDups, m.MergeOOO, m.MergeForwards,
		m.MergeFailovers, m.MergePreferredA, m.MergeEvictions,
		m.MergeWindowFull, m.MergeGapsByChan, m.MergeReorderSize,
		m.DecodePackets, m.DecodeMessages, m.DecodeErrors,
		m.BookLiveOrders, m.BookDupOrders, m.BookUnknown, m.BookStaleTrades,
		m.WsClients, m.OutFrames, m.OutBytes, m.DroppedClients,
		m.E2ELatency, m.StageRxMerge, m.StageMergeDec,
		m.TsViolations, m.QueueDepth, m.PoolFramesFree,
		m.MemoryUsage, m.Goroutines,
	)
	return m
}

// ObserveLatencyNs feeds a nanosecond delta into a seconds histogram.
func ObserveLatencyNs(h prometheus.Observer, ns uint64) {
	h.Observe(float64(ns) / 1e9)
}

// StartServer exposes /metrics on bind and blocks until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, bind string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         bind,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Metrics server starting", "bind", bind)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// CollectSystem samples runtime stats, the free pool and the hot-path queue
// depths on a ticker until ctx is cancelled. The depth funcs are
// producer-side estimates; sampling them off-thread is fine.
func (m *Metrics) CollectSystem(ctx context.Context, poolFree func() int, queues map[string]func() int) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.MemoryUsage.Set(float64(memStats.Alloc))
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
			if poolFree != nil {
				m.PoolFramesFree.Set(float64(poolFree()))
			}
			for name, depth := range queues {
				m.QueueDepth.WithLabelValues(name).Set(float64(depth()))
			}
		}
	}
}
