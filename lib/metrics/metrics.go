// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus instruments for the broker and
// both proxies, and serves them over HTTP.
//
// Instruments are package-level and registered with the default registry
// on init, so any component can record without plumbing a collector
// through its constructor. Label values are fixed, low-cardinality
// strings; client addresses never become labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker (socketd) server side.
var (
	BrokerConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netbroker_socketd_connections_active",
		Help: "Broker client connections currently being served.",
	})
	BrokerDescriptorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbroker_socketd_descriptors_total",
		Help: "Socket descriptors created and transferred to clients, by socket kind.",
	}, []string{"kind"})
	BrokerProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netbroker_socketd_protocol_violations_total",
		Help: "Broker connections terminated for sending an invalid socket kind tag.",
	})
)

// Broker client side, as seen by the proxies.
var BrokerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netbroker_broker_requests_total",
	Help: "Socket requests sent to the broker, by socket kind and result (ok, error).",
}, []string{"kind", "result"})

// Stream proxy.
var (
	StreamConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netbroker_stream_connections_active",
		Help: "Relayed stream connections currently open.",
	})
	StreamConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netbroker_stream_connections_total",
		Help: "Stream connections accepted by the proxy.",
	})
	StreamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbroker_stream_failures_total",
		Help: "Stream connections that failed, by stage (socket, destination, connect, relay).",
	}, []string{"stage"})
	StreamBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbroker_stream_bytes_total",
		Help: "Bytes relayed on stream connections, by direction (upstream, downstream).",
	}, []string{"direction"})
)

// Datagram proxy.
var (
	DatagramSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netbroker_datagram_sessions_active",
		Help: "Entries in the datagram session table.",
	})
	DatagramEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netbroker_datagram_evictions_total",
		Help: "Sessions evicted as least recently used to make room for a new client.",
	})
	DatagramPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbroker_datagram_packets_total",
		Help: "Datagrams relayed, by direction (upstream, downstream).",
	}, []string{"direction"})
	DatagramDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbroker_datagram_drops_total",
		Help: "Datagrams dropped, by reason (no_destination, broker, send, receive, reply).",
	}, []string{"reason"})
)

// Control socket.
var ControlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netbroker_control_requests_total",
	Help: "Control socket requests, by action and result (ok, error, invalid).",
}, []string{"action", "result"})

// Direction label values.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)
