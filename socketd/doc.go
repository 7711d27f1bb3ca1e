// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package socketd is the privileged socket broker.
//
// A sandboxed process that cannot create INET sockets itself (its network
// namespace or seccomp policy forbids it) asks socketd for them over a
// Unix stream socket. The protocol is a persistent request stream:
//
//	client → broker: one byte per request, the socket type (SOCK_STREAM
//	                 or SOCK_DGRAM)
//	broker → client: one zero byte carrying exactly one SCM_RIGHTS
//	                 descriptor of that type, in a single sendmsg
//
// Responses are strictly paired with requests in order. Any other tag
// byte is a protocol violation and ends that connection; EOF from the
// client ends it cleanly. The broker sets no options beyond family and
// type and closes its own copy of every descriptor immediately after the
// transfer, so it holds no state about sockets it has handed out.
//
// [Server] accepts connections and serves each on its own goroutine with
// panic recovery: one misbehaving client cannot affect another or the
// listener. On context cancellation it stops accepting and removes its
// socket file, so a restarted broker can bind the same path.
//
// [Client] is the proxies' side of the channel. It serializes requests so
// that several goroutines can share one channel without breaking the
// pairing, and redials after the channel breaks.
package socketd
