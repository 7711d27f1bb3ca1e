// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Netbroker-socketd is the socket broker. It runs outside the sandbox's
// network namespace and hands freshly created AF_INET sockets to the
// proxies inside it over a Unix socket, so traffic leaves through the
// broker's namespace without the sandbox holding any network privilege.
//
// The socket lives at ${XDG_RUNTIME_DIR}/userns/<name>/socketd unless
// --socket names another path. The broker serves until SIGINT or SIGTERM
// and removes the socket file on exit.
package main
