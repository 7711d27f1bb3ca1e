// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Netbroker-status queries a running netbroker-proxy over its status
// socket and prints its listeners and connection counts. The datagram
// session table is listed too unless --summary is given.
package main
