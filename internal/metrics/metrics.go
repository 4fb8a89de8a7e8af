// Package metrics registers the daemon's prometheus collectors, the way
// cli/server/metrics.go registers neogoVersion: package-level collectors
// built once and registered from init(), with setter helpers used by the
// rest of the daemon instead of exposing the collectors directly. Serve
// mounts them behind a promhttp handler, the same exposition shape the
// teacher's metrics server used.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	peerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshd",
		Name:      "peer_count",
		Help:      "Number of distinct logical peers currently tracked.",
	})

	dispatchQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshd",
		Name:      "dispatch_queue_depth",
		Help:      "Number of envelopes currently queued in a dispatch loop's ingress channel.",
	}, []string{"tier"})

	heartbeatFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshd",
		Name:      "heartbeat_failures_total",
		Help:      "Number of connections marked FAILED by the heartbeat monitor.",
	}, []string{"endpoint"})

	circuitErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshd",
		Name:      "circuit_errors_total",
		Help:      "Number of CIRCUIT_ERROR replies sent by the circuit dispatch tier.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		peerCount,
		dispatchQueueDepth,
		heartbeatFailuresTotal,
		circuitErrorsTotal,
	)
}

// SetPeerCount reports the current number of tracked peers.
func SetPeerCount(n int) {
	peerCount.Set(float64(n))
}

// SetDispatchQueueDepth reports the current ingress queue depth for a
// dispatch tier ("network" or "circuit").
func SetDispatchQueueDepth(tier string, depth int) {
	dispatchQueueDepth.WithLabelValues(tier).Set(float64(depth))
}

// IncHeartbeatFailure records a heartbeat-driven connection failure for the
// given endpoint.
func IncHeartbeatFailure(endpoint string) {
	heartbeatFailuresTotal.WithLabelValues(endpoint).Inc()
}

// IncCircuitError records a CIRCUIT_ERROR reply of the given kind.
func IncCircuitError(kind string) {
	circuitErrorsTotal.WithLabelValues(kind).Inc()
}

// Serve starts an HTTP server exposing the registered collectors at
// /metrics on addr. It returns immediately; the server runs until Close is
// called on the returned *http.Server. Errors other than the expected
// http.ErrServerClosed on shutdown are logged.
func Serve(addr string, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.String("address", addr), zap.Error(err))
		}
	}()
	return srv
}

// Shutdown gracefully stops srv, doing nothing if srv is nil.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
