// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes request telemetry as prometheus metrics.
package instrument

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpch/rpch/telemetry"
)

const (
	namespace = "rpch"

	// MetricsPath is where Serve exposes the registry.
	MetricsPath = "/metrics"
)

// Prometheus is a telemetry.Sink backed by prometheus collectors.
type Prometheus struct {
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
	segments prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg.  A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prometheus{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Number of finished requests by result",
			},
			[]string{"result"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "Round trip time of successful requests",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		segments: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_segments",
				Help:      "Number of segments per request",
				Buckets:   prometheus.LinearBuckets(1, 4, 8),
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(p.requests)
	reg.MustRegister(p.latency)
	reg.MustRegister(p.segments)
	return p
}

// ReportOutcome implements telemetry.Sink.
func (p *Prometheus) ReportOutcome(o telemetry.Outcome) {
	p.requests.With(prometheus.Labels{"result": o.Result.String()}).Inc()
	p.segments.Observe(float64(o.Segments))
	if o.Result == telemetry.ResultSuccess {
		p.latency.Observe(o.Latency.Seconds())
	}
}

// Handler returns the HTTP handler exposing the metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr until ctx is done.  Server errors are
// written to errorLog, which may be nil.
func (p *Prometheus) Serve(ctx context.Context, addr string, errorLog *log.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return p.serve(ctx, ln, errorLog)
}

func (p *Prometheus) serve(ctx context.Context, ln net.Listener, errorLog *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, p.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          errorLog,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
