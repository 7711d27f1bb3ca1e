// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. [Fatal] is the one
// place a netbroker binary writes raw text to stderr: errors returned
// from run() before the structured logger exists, or after it has been
// torn down.
package process
