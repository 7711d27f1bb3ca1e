// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/bureau-foundation/netbroker/tproxy"
)

func TestPrintStatus(t *testing.T) {
	status := tproxy.Status{
		Stream: &tproxy.StreamStatus{Listen: "0.0.0.0:3128", ActiveConnections: 2},
		Datagram: &tproxy.DatagramStatus{
			Listen:   "0.0.0.0:3128",
			Capacity: 8,
			Active:   1,
			Sessions: []tproxy.SessionInfo{
				{Client: netip.MustParseAddrPort("10.0.0.2:41000"), FD: 9, LastAccess: 4},
			},
		},
	}

	var output bytes.Buffer
	if err := printStatus(&output, status); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	text := output.String()
	for _, want := range []string{"2 active connections", "1/8 sessions", "10.0.0.2:41000"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintStatusStreamOnly(t *testing.T) {
	var output bytes.Buffer
	status := tproxy.Status{Stream: &tproxy.StreamStatus{Listen: "0.0.0.0:3128"}}
	if err := printStatus(&output, status); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	if !strings.Contains(output.String(), "datagram  not running") {
		t.Errorf("unexpected output:\n%s", output.String())
	}
}
