// Package metrics exposes the Prometheus instrumentation of the storage
// processor: queue depth, apply outcomes, and lock status.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statepipe"

var (
	// QueueDepth reports the last observed LLEN of the incoming queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of messages currently waiting in the incoming queue.",
	}, []string{"queue_id"})

	// MessagesApplied counts apply() outcomes by mutation type and result.
	MessagesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "messages_applied_total",
		Help:      "Messages applied by the storage processor, by type and outcome.",
	}, []string{"type", "outcome"})

	// StateVersionWrites counts successful WRITE_STATE_OBJECT applications
	// by key, one increment per published DiffMessage.
	StateVersionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "state_version_writes_total",
		Help:      "Versioned state writes, incremented once per published diff.",
	}, []string{"key"})

	// LockHeld is 1 while this process holds the namespace singleton lock.
	LockHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "held",
		Help:      "1 if this process currently holds the singleton processor lock, else 0.",
	})
)

// Serve starts the Prometheus metrics HTTP endpoint on addr and blocks
// until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
