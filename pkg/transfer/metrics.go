package transfer

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks engine-wide counters.
type Metrics struct {
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Sessions        *prometheus.CounterVec
	ChunkRetries    prometheus.Counter
	ChunkDuration   prometheus.Histogram
	ActiveSessions  prometheus.Gauge
	PendingOffers   prometheus.Gauge
	DiscoveredPeers prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanxfer_bytes_sent_total",
			Help: "Total file bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanxfer_bytes_received_total",
			Help: "Total file bytes received",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxfer_sessions_total",
			Help: "Finished sessions by direction and outcome",
		}, []string{"direction", "outcome"}),
		ChunkRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanxfer_chunk_retries_total",
			Help: "Chunk attempts that were retried",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanxfer_chunk_duration_seconds",
			Help:    "Time to move one chunk, including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanxfer_active_sessions",
			Help: "Sessions not yet in a terminal state",
		}),
		PendingOffers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanxfer_pending_offers",
			Help: "Incoming offers waiting for a decision",
		}),
		DiscoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanxfer_discovered_peers",
			Help: "Peers currently in the discovery set",
		}),
	}
}

// Health is reported by /health.
type Health struct {
	Status         string    `json:"status"`
	Listening      bool      `json:"listening"`
	ActiveSessions int       `json:"active_sessions"`
	PendingOffers  int       `json:"pending_offers"`
	Peers          int       `json:"peers"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthSource is implemented by Manager.
type HealthSource interface {
	Health() Health
}

// HealthEndpoint serves health and metrics over HTTP.
type HealthEndpoint struct {
	source   HealthSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewHealthEndpoint(source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{source: source, gatherer: gatherer, logger: logger}
}

func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := he.source.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness is ready while the engine accepts incoming transfers.
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.source.Health().Listening {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartMetricsServer serves /metrics and /health on addr in the background.
func StartMetricsServer(addr string, source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	NewHealthEndpoint(source, gatherer, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
