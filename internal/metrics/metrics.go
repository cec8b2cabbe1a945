// Package metrics holds the Prometheus counters of the signing bot.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Events counts feed events by dispatch result.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signbot_events_total",
		Help: "Feed events by dispatch result",
	}, []string{"result"})

	// Decisions counts finished pipeline runs by final state and reason.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signbot_decisions_total",
		Help: "Pipeline outcomes by state and reason",
	}, []string{"state", "reason"})

	// Mutations counts page writes by kind (sign, notify) and result.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signbot_mutations_total",
		Help: "Page writes by kind and result",
	}, []string{"kind", "result"})

	// PolicyRefreshes counts policy cache rebuilds.
	PolicyRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signbot_policy_refreshes_total",
		Help: "Policy cache refreshes by cache and result",
	}, []string{"cache", "result"})

	// FeedReconnects counts stream reconnects.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signbot_feed_reconnects_total",
		Help: "Change feed reconnects",
	})

	// PipelineDuration tracks the time from dispatch to final state.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signbot_pipeline_duration_seconds",
		Help:    "Pipeline run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
