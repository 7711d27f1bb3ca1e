// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the proxy's control socket: a Unix socket
// carrying one CBOR request and one CBOR response per connection.
//
// A request is a [Request] map whose "action" field names the handler.
// The proxy registers a single action, "status", which reports the
// stream proxy's connection count and the datagram proxy's session
// table. A response is a [Response] envelope: {ok: true, data: ...} on
// success or {ok: false, error: "..."} on failure. CBOR is
// self-delimiting, so the stream needs no framing.
//
// The socket carries no authentication. Access is governed by the
// socket file's 0660 mode and by which namespaces can see its path.
package service
