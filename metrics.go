/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for every board in the process.
type Metrics struct {
	registry *prometheus.Registry

	Attempts      *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
	Messages      *prometheus.CounterVec
	Clients       *prometheus.GaugeVec
	Boards        prometheus.Gauge
	StoreDuration *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quizboard",
				Name:      "attempts_total",
				Help:      "Attempts recorded, by result",
			},
			[]string{"result"},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quizboard",
				Name:      "resolutions_total",
				Help:      "Questions resolved, by outcome",
			},
			[]string{"outcome"}, // won, exhausted, skipped
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quizboard",
				Name:      "messages_sent_total",
				Help:      "Messages queued to connected clients, by type",
			},
			[]string{"type"},
		),
		Clients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "quizboard",
				Name:      "clients",
				Help:      "Connected websocket clients, by role",
			},
			[]string{"role"},
		),
		Boards: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "quizboard",
				Name:      "boards",
				Help:      "Boards currently loaded in memory",
			},
		),
		StoreDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quizboard",
				Name:      "store_duration_seconds",
				Help:      "State store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func registerMetrics(cfg *Config, m *Metrics, mux *httprouter.Router) {
	mux.Handler("GET", cfg.prefix+"/metrics", m.handler())
}
