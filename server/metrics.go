// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesFanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshrank_messages_fanned_total",
		Help: "Messages appended to the channel cache and fanned out over SSE.",
	})
	metricShareHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrank_share_resolves_total",
		Help: "Share-code resolutions by outcome.",
	}, []string{"outcome"})
	metricSSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshrank_sse_clients",
		Help: "Currently connected event-stream clients.",
	})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrank_http_requests_total",
		Help: "API requests by method.",
	}, []string{"method"})
)
