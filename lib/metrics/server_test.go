// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/netbroker/lib/testutil"
)

func TestServeListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, listener, slog.New(slog.DiscardHandler))
	}()

	DatagramEvictionsTotal.Inc()

	response, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "netbroker_datagram_evictions_total") {
		t.Fatalf("metrics output missing eviction counter:\n%s", body)
	}

	cancel()
	if err := testutil.RequireReceive[error](t, done, 5*time.Second, "metrics server shutdown"); err != nil {
		t.Fatalf("ServeListener: %v", err)
	}
}
