// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/netbroker/lib/config"
	"github.com/bureau-foundation/netbroker/lib/process"
	"github.com/bureau-foundation/netbroker/lib/service"
	"github.com/bureau-foundation/netbroker/lib/testutil"
	"github.com/bureau-foundation/netbroker/socketd"
	"github.com/bureau-foundation/netbroker/tproxy"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		name string
		want protocols
	}{
		{"tcp", protocols{stream: true}},
		{"udp", protocols{datagram: true}},
		{"all", protocols{stream: true, datagram: true}},
	}
	for _, test := range tests {
		got, err := parseProtocol(test.name)
		if err != nil {
			t.Fatalf("parseProtocol(%q): %v", test.name, err)
		}
		if got != test.want {
			t.Errorf("parseProtocol(%q) = %+v, want %+v", test.name, got, test.want)
		}
	}

	_, err := parseProtocol("sctp")
	var usage *process.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("parseProtocol(sctp) = %v, want a usage error", err)
	}
}

func TestParsePort(t *testing.T) {
	if port, err := parsePort("3128"); err != nil || port != 3128 {
		t.Fatalf("parsePort(3128) = %d, %v", port, err)
	}
	for _, bad := range []string{"0", "65536", "-1", "http"} {
		if _, err := parsePort(bad); err == nil {
			t.Errorf("parsePort(%q) succeeded", bad)
		}
	}
}

func TestWithPort(t *testing.T) {
	got, err := withPort("0.0.0.0:3128", 8080)
	if err != nil {
		t.Fatalf("withPort: %v", err)
	}
	if got != "0.0.0.0:8080" {
		t.Fatalf("withPort = %q, want 0.0.0.0:8080", got)
	}
	if _, err := withPort("not an address", 80); err == nil {
		t.Fatal("expected an error for a malformed listen address")
	}
}

func TestServeAnswersStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	directory := testutil.SocketDir(t)

	brokerPath := filepath.Join(directory, "socketd")
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	server := socketd.NewServer(brokerPath, logger)
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- server.Serve(brokerCtx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "broker ready")
	defer func() {
		stopBroker()
		<-brokerDone
	}()

	broker, err := socketd.Dial(brokerPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer broker.Close()

	cfg := config.Default()
	cfg.Stream.Listen = "127.0.0.1:0"
	cfg.Datagram.Listen = "127.0.0.1:0"
	cfg.Datagram.Transparent = false
	cfg.Datagram.DestinationOverride = "127.0.0.1:9"
	cfg.StatusSocket = filepath.Join(directory, "status")

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- serve(ctx, cfg, protocols{stream: true, datagram: true}, broker, logger)
	}()

	client := service.NewClient(cfg.StatusSocket)
	var status tproxy.Status
	deadline := time.Now().Add(5 * time.Second)
	for {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Status(callCtx, false, &status)
		callCancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status.Stream == nil || status.Stream.Listen == "" {
		t.Errorf("stream status = %+v", status.Stream)
	}
	if status.Datagram == nil || status.Datagram.Capacity != config.DefaultSessionCapacity {
		t.Errorf("datagram status = %+v", status.Datagram)
	}
	if status.Datagram != nil && len(status.Datagram.Sessions) != 0 {
		t.Errorf("expected no sessions, got %+v", status.Datagram.Sessions)
	}

	summaryCtx, summaryCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer summaryCancel()
	var summary tproxy.Status
	if err := client.Status(summaryCtx, true, &summary); err != nil {
		t.Fatalf("summary status: %v", err)
	}
	if summary.Datagram == nil || summary.Datagram.Capacity != config.DefaultSessionCapacity || summary.Datagram.Sessions != nil {
		t.Errorf("summary datagram status = %+v", summary.Datagram)
	}

	cancel()
	if err := testutil.RequireReceive[error](t, serveDone, 5*time.Second, "serve shutdown"); err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestServeRejectsBadOverrideBeforeListening(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Reserve a port, then release it for the stream proxy to claim.
	reserved, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	streamListen := reserved.Addr().String()
	reserved.Close()

	cfg := config.Default()
	cfg.Stream.Listen = streamListen
	cfg.Datagram.Listen = "127.0.0.1:0"
	cfg.Datagram.Transparent = false
	cfg.Datagram.DestinationOverride = "not-an-endpoint"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- serve(ctx, cfg, protocols{stream: true, datagram: true}, nil, logger)
	}()
	if err := testutil.RequireReceive[error](t, serveDone, 5*time.Second, "serve with a bad override"); err == nil {
		t.Fatal("serve accepted a malformed datagram override")
	}

	// serve returned without cancelling ctx, so a stream proxy left
	// running would still hold the port.
	listener, err := net.Listen("tcp4", streamListen)
	if err != nil {
		t.Fatalf("stream port %s still bound after serve failed: %v", streamListen, err)
	}
	listener.Close()
}
