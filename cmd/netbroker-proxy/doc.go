// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Netbroker-proxy runs inside a sandbox's network namespace and relays
// redirected traffic out through sockets obtained from netbroker-socketd.
//
//	netbroker-proxy [flags] tcp|udp|all [PORT]
//
// "tcp" runs the stream proxy, which expects an iptables REDIRECT rule
// sending outbound TCP to PORT (default 3128). "udp" runs the datagram
// proxy, which expects a TPROXY rule and CAP_NET_ADMIN. "all" runs both
// on the same port. Optional Prometheus metrics and a CBOR status socket
// run alongside.
package main
