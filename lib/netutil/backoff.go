// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import "time"

// Accept retry delays. The first failure waits InitialAcceptBackoff and
// each consecutive failure doubles the wait, capped at MaxAcceptBackoff.
const (
	InitialAcceptBackoff = 5 * time.Millisecond
	MaxAcceptBackoff     = time.Second
)

// NextAcceptBackoff returns how long an accept loop should wait after a
// failed Accept. previous is the delay used for the preceding failure,
// or zero when the last Accept succeeded.
//
// Errors such as EMFILE persist until a descriptor is released, so
// retrying immediately would spin.
func NextAcceptBackoff(previous time.Duration) time.Duration {
	if previous == 0 {
		return InitialAcceptBackoff
	}
	next := previous * 2
	if next > MaxAcceptBackoff {
		next = MaxAcceptBackoff
	}
	return next
}
