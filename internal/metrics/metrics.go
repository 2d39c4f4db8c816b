// Package metrics exposes the client's Prometheus series plus cheap local
// mirrors for periodic logging without scraping in-process.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nitecon/go-lance/internal/logging"
)

// Prometheus series.
var (
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_frames_tx_total",
		Help: "Total LWP frames written to the server.",
	})
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_frames_rx_total",
		Help: "Total LWP frames read from the server.",
	})
	KeepalivesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_keepalives_tx_total",
		Help: "Total keepalive frames sent (periodic and reflected).",
	})
	AcksRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_acks_rx_total",
		Help: "Total batch acknowledgements received.",
	})
	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_ack_timeouts_total",
		Help: "Total batches whose acknowledgement timed out.",
	})
	BackpressureSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_backpressure_signals_total",
		Help: "Total BACKPRESSURE frames received from the server.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_reconnect_attempts_total",
		Help: "Total reconnection attempts.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_malformed_frames_total",
		Help: "Total frames rejected for magic or CRC failures.",
	})
	BatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_batches_sent_total",
		Help: "Total ingest batches sent.",
	})
	BatchesCompressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_batches_compressed_total",
		Help: "Total ingest batches sent with LZ4 compression applied.",
	})
	Fetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_fetches_total",
		Help: "Total fetch requests issued by consumers.",
	})
	FetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_fetch_bytes_total",
		Help: "Total data bytes returned by fetch responses.",
	})
	Commits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lance_offset_commits_total",
		Help: "Total offset commits sent to the server.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lance_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lance_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrDial        = "dial"
	ErrRead        = "read"
	ErrWrite       = "write"
	ErrAck         = "ack"
	ErrFetch       = "fetch"
	ErrCommit      = "commit"
	ErrOffsetStore = "offset_store"
)

// StartHTTP serves Prometheus metrics at /metrics on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging.
var (
	localFramesTx     atomic.Uint64
	localFramesRx     atomic.Uint64
	localAcks         atomic.Uint64
	localAckTimeouts  atomic.Uint64
	localBackpressure atomic.Uint64
	localReconnects   atomic.Uint64
	localMalformed    atomic.Uint64
	localBatches      atomic.Uint64
	localFetches      atomic.Uint64
	localFetchBytes   atomic.Uint64
	localCommits      atomic.Uint64
	localErrors       atomic.Uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesTx     uint64
	FramesRx     uint64
	Acks         uint64
	AckTimeouts  uint64
	Backpressure uint64
	Reconnects   uint64
	Malformed    uint64
	Batches      uint64
	Fetches      uint64
	FetchBytes   uint64
	Commits      uint64
	Errors       uint64 // sum across error labels
}

// Snap copies the local counters.
func Snap() Snapshot {
	return Snapshot{
		FramesTx:     localFramesTx.Load(),
		FramesRx:     localFramesRx.Load(),
		Acks:         localAcks.Load(),
		AckTimeouts:  localAckTimeouts.Load(),
		Backpressure: localBackpressure.Load(),
		Reconnects:   localReconnects.Load(),
		Malformed:    localMalformed.Load(),
		Batches:      localBatches.Load(),
		Fetches:      localFetches.Load(),
		FetchBytes:   localFetchBytes.Load(),
		Commits:      localCommits.Load(),
		Errors:       localErrors.Load(),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFramesTx() {
	FramesTx.Inc()
	localFramesTx.Add(1)
}

func IncFramesRx() {
	FramesRx.Inc()
	localFramesRx.Add(1)
}

func IncKeepaliveTx() {
	KeepalivesTx.Inc()
}

func IncAckRx() {
	AcksRx.Inc()
	localAcks.Add(1)
}

func IncAckTimeout() {
	AckTimeouts.Inc()
	localAckTimeouts.Add(1)
}

func IncBackpressure() {
	BackpressureSignals.Inc()
	localBackpressure.Add(1)
}

func IncReconnect() {
	Reconnects.Inc()
	localReconnects.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

func IncBatchSent(compressed bool) {
	BatchesSent.Inc()
	localBatches.Add(1)
	if compressed {
		BatchesCompressed.Inc()
	}
}

func IncFetch() {
	Fetches.Inc()
	localFetches.Add(1)
}

func AddFetchBytes(n int) {
	FetchBytes.Add(float64(n))
	localFetchBytes.Add(uint64(n))
}

func IncCommit() {
	Commits.Inc()
	localCommits.Add(1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge and pre-registers the common error
// label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrDial, ErrRead, ErrWrite, ErrAck, ErrFetch, ErrCommit, ErrOffsetStore,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}
