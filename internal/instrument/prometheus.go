// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument is the gateway's metrics collection interface.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_connections_accepted_total",
			Help: "Number of accepted client connections",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pqmail_connections_active",
			Help: "Number of currently relaying sessions",
		},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_handshake_failures_total",
			Help: "Number of failed transport security handshakes",
		},
	)
	backendDialFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_backend_dial_failures_total",
			Help: "Number of failed backend dials",
		},
	)
	signaturesInjected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_signatures_injected_total",
			Help: "Number of injected signature headers",
		},
	)
	relayedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqmail_relayed_bytes_total",
			Help: "Number of relayed bytes",
		},
		[]string{"direction"},
	)
	receiptsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_receipts_dispatched_total",
			Help: "Number of receipts reported to the ledger",
		},
	)
	receiptsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_receipts_failed_total",
			Help: "Number of receipt reports that failed",
		},
	)
	receiptsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqmail_receipts_dropped_total",
			Help: "Number of receipts dropped due to a full queue",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsAccepted)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(backendDialFailures)
	prometheus.MustRegister(signaturesInjected)
	prometheus.MustRegister(relayedBytes)
	prometheus.MustRegister(receiptsDispatched)
	prometheus.MustRegister(receiptsFailed)
	prometheus.MustRegister(receiptsDropped)
}

// ConnectionAccepted increments the counter for accepted connections.
func ConnectionAccepted() {
	connectionsAccepted.Inc()
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	connectionsActive.Inc()
}

// SessionEnded decrements the active session gauge.
func SessionEnded() {
	connectionsActive.Dec()
}

// HandshakeFailure increments the counter for failed handshakes.
func HandshakeFailure() {
	handshakeFailures.Inc()
}

// BackendDialFailure increments the counter for failed backend dials.
func BackendDialFailure() {
	backendDialFailures.Inc()
}

// SignatureInjected increments the counter for injected signature headers.
func SignatureInjected() {
	signaturesInjected.Inc()
}

// RelayedBytes adds n to the relayed byte counter for a direction.
func RelayedBytes(direction string, n int64) {
	relayedBytes.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}

// ReceiptsDispatched increments the counter for reported receipts.
func ReceiptsDispatched() {
	receiptsDispatched.Inc()
}

// ReceiptsFailed increments the counter for failed receipt reports.
func ReceiptsFailed() {
	receiptsFailed.Inc()
}

// ReceiptsDropped increments the counter for dropped receipts.
func ReceiptsDropped() {
	receiptsDropped.Inc()
}
