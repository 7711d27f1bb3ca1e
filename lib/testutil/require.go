// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// RequireReceive returns the next value from ch, failing t if none
// arrives within timeout or ch is closed first.
//
//	fd := testutil.RequireReceive[int](t, descriptors, 5*time.Second, "descriptor for tag %d", tag)
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, what ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed before a value arrived", describe(what))
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", describe(what), timeout)
	}
	panic("unreachable")
}

// RequireClosed waits up to timeout for ch to be closed or to deliver a
// value. Readiness and shutdown signals use it.
func RequireClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("%s: not closed within %v", describe(what), timeout)
	}
}

// RequireNoReceive fails t if ch delivers a value within wait. A zero
// wait only checks what is already buffered.
func RequireNoReceive[T any](t testing.TB, ch <-chan T, wait time.Duration, what ...any) {
	t.Helper()
	if wait <= 0 {
		select {
		case value := <-ch:
			t.Fatalf("%s: unexpected value %+v", describe(what), value)
		default:
		}
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case value := <-ch:
		t.Fatalf("%s: unexpected value %+v", describe(what), value)
	case <-timer.C:
	}
}

// describe renders the optional message: nothing, a plain value, or a
// format string with arguments.
func describe(what []any) string {
	switch {
	case len(what) == 0:
		return "channel"
	case len(what) == 1:
		return fmt.Sprint(what[0])
	}
	if format, ok := what[0].(string); ok {
		return fmt.Sprintf(format, what[1:]...)
	}
	return fmt.Sprint(what...)
}
