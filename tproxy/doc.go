// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tproxy implements the two transparent proxy front-ends that sit
// inside an unprivileged network namespace and relay traffic out through
// sockets created by the socket broker (package socketd).
//
// StreamProxy accepts TCP connections that the kernel redirected to it,
// recovers each connection's original destination with SO_ORIGINAL_DST,
// connects a broker-issued socket there, and relays bytes in both
// directions with a poll-driven state machine.
//
// DatagramProxy receives redirected UDP datagrams on a transparent
// listener, keeps one broker-issued socket per client endpoint in a
// bounded least-recently-used SessionTable, forwards each datagram to its
// original destination, and sends replies back to the client with their
// source address spoofed to the remote endpoint.
//
// Both proxies obtain sockets through the SocketSource interface, which
// *socketd.Client satisfies. Neither proxy needs privileges of its own
// except the datagram listener's IP_TRANSPARENT and the reply path, which
// require CAP_NET_ADMIN in the proxy's namespace.
package tproxy

import "github.com/bureau-foundation/netbroker/socketd"

// SocketSource hands out fresh sockets of a requested kind. The caller
// owns the returned descriptor.
type SocketSource interface {
	Socket(kind socketd.Kind) (int, error)
}
