// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdpass transfers open file descriptors between processes over
// a Unix stream socket.
//
// Each transfer is a single sendmsg(2) carrying a one-byte payload (always
// zero) with exactly one descriptor attached as SCM_RIGHTS ancillary data.
// The payload byte exists because the kernel does not deliver ancillary data
// on a zero-length stream message; receivers must read it to consume the
// descriptor.
//
// [Send] never closes the descriptor it transfers; the kernel duplicates it
// into the receiver, so the sender must close its own copy afterwards if it
// is giving up ownership. [Receive] returns a descriptor owned by the caller.
package fdpass
