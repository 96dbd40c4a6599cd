// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument holds the prometheus metrics of the session layer.
package instrument

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_frames_received_total",
			Help: "Number of frames received, by kind",
		},
		[]string{"kind"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_frames_sent_total",
			Help: "Number of frames sent, by kind",
		},
		[]string{"kind"},
	)
	unexpectedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_unexpected_frames_total",
			Help: "Number of frames that matched no route",
		},
		[]string{"kind"},
	)
	pushesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_pushes_dropped_total",
			Help: "Number of pushes dropped because a subscriber was full",
		},
		[]string{"kind"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psst_pending_requests",
			Help: "Number of requests awaiting a response",
		},
	)
	requestTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_request_timeouts_total",
			Help: "Number of requests that timed out",
		},
		[]string{"kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psst_request_duration_seconds",
			Help:    "Time from request to final response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	sessionStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_session_state_transitions_total",
			Help: "Number of session state transitions, by new state",
		},
		[]string{"state"},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "psst_handshake_failures_total",
			Help: "Number of failed key exchanges and logins",
		},
	)
	accessPointConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "psst_access_point_connections_total",
			Help: "Number of connections accepted by the access point",
		},
	)

	collectors = []prometheus.Collector{
		framesReceived,
		framesSent,
		unexpectedFrames,
		pushesDropped,
		pendingRequests,
		requestTimeouts,
		requestDuration,
		sessionStates,
		handshakeFailures,
		accessPointConns,
	}

	registerOnce sync.Once
	registry     = prometheus.NewRegistry()
)

func register() {
	registerOnce.Do(func() {
		registry.MustRegister(collectors...)
	})
}

// Handler returns the HTTP handler exposing the metrics.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Init exposes the metrics via HTTP on addr.  An empty addr only registers
// them.
func Init(addr string) *http.Server {
	register()
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}

// Gatherer returns the registry the metrics live in.
func Gatherer() prometheus.Gatherer {
	register()
	return registry
}

// FrameReceived counts a received frame.
func FrameReceived(kind string) {
	framesReceived.With(prometheus.Labels{"kind": kind}).Inc()
}

// FrameSent counts a sent frame.
func FrameSent(kind string) {
	framesSent.With(prometheus.Labels{"kind": kind}).Inc()
}

// UnexpectedFrame counts a frame that matched no route.
func UnexpectedFrame(kind string) {
	unexpectedFrames.With(prometheus.Labels{"kind": kind}).Inc()
}

// PushDropped counts a push not delivered to a full subscriber.
func PushDropped(kind string) {
	pushesDropped.With(prometheus.Labels{"kind": kind}).Inc()
}

// PendingRequests sets the number of outstanding requests.
func PendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

// RequestTimeout counts a request that timed out.
func RequestTimeout(kind string) {
	requestTimeouts.With(prometheus.Labels{"kind": kind}).Inc()
}

// RequestDuration observes the latency of a completed request.
func RequestDuration(kind string, d time.Duration) {
	requestDuration.With(prometheus.Labels{"kind": kind}).Observe(d.Seconds())
}

// SessionState counts a session entering state.
func SessionState(state string) {
	sessionStates.With(prometheus.Labels{"state": state}).Inc()
}

// HandshakeFailure counts a failed key exchange or login.
func HandshakeFailure() {
	handshakeFailures.Inc()
}

// AccessPointConnection counts a connection accepted by the access point.
func AccessPointConnection() {
	accessPointConns.Inc()
}
