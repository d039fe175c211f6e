package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type KeelMetrics struct {
	Session  *SessionMetrics
	Strategy *StrategyMetrics
}

type SessionMetrics struct {
	Parks  metrics.Counter
	Queued metrics.Counter
}

type StrategyMetrics struct {
	Picks metrics.Counter
	Rung  metrics.Gauge
}

func NewKeelMetrics(prometheusAddr string) *KeelMetrics {

	m := &KeelMetrics{}

	if prometheusAddr == "" {
		m.Session = &SessionMetrics{
			Parks:  discard.NewCounter(),
			Queued: discard.NewCounter(),
		}
		m.Strategy = &StrategyMetrics{
			Picks: discard.NewCounter(),
			Rung:  discard.NewGauge(),
		}
	} else {
		m.Session = &SessionMetrics{
			Parks: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "keel",
				Subsystem: "session",
				Name:      "parks_total",
				Help:      "Number of park requests",
			}, nil),
			Queued: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "keel",
				Subsystem: "session",
				Name:      "pending_queued_total",
				Help:      "Number of queued pending notifications",
			}, []string{"urgency"}),
		}
		m.Strategy = &StrategyMetrics{
			Picks: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "keel",
				Subsystem: "strategy",
				Name:      "picks_total",
				Help:      "Number of picked operations",
			}, []string{"action"}),
			Rung: prometheus.NewGaugeFrom(prom.GaugeOpts{
				Namespace: "keel",
				Subsystem: "strategy",
				Name:      "sync_scope_rung",
				Help:      "Current position on the sync scope ladder",
			}, nil),
		}
	}

	return m
}

func runPromHTTP(ctx context.Context, logger log.Logger, addr string) error {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom.DefaultGatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {

		<-ctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		srv.Shutdown(shutCtx)
	}()

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
		return err
	}

	return nil
}
