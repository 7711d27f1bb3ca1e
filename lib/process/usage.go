// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import "fmt"

// UsageError reports a command-line mistake. Fatal exits with status 2
// for it, following the convention for invalid invocations.
type UsageError struct {
	Message string
}

// Usagef returns a *UsageError with a formatted message.
func Usagef(format string, args ...any) *UsageError {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

func (e *UsageError) Error() string {
	return e.Message
}

// ExitCode returns 2.
func (e *UsageError) ExitCode() int {
	return 2
}
