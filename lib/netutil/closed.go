// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds networking helpers shared by netbroker's socket
// servers and relays.
//
// Relays close both ends of a connection as soon as either end finishes,
// so the surviving side's in-flight read or write fails with an error that
// only reflects the teardown itself. [IsExpectedCloseError] separates those
// from genuine transport failures so logs stay quiet for normal closes.
// [NextAcceptBackoff] paces accept loops that hit a persistent error.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection or descriptor, broken pipe, or connection reset.
//
// Relays that use full-close (closing the entire connection rather than
// half-close via shutdown(SHUT_WR)) produce ECONNRESET and EPIPE instead of
// EOF on the surviving side. All of these are expected and should not be
// logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
