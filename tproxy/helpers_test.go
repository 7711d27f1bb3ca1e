// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/netbroker/lib/testutil"
	"github.com/bureau-foundation/netbroker/socketd"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startBroker runs a socket broker for the duration of the test and
// returns a client connected to it.
func startBroker(t *testing.T) *socketd.Client {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "socketd")
	server := socketd.NewServer(socketPath, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "broker ready")

	client, err := socketd.Dial(socketPath)
	if err != nil {
		cancel()
		t.Fatalf("Dial broker: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

// addrPort converts a net.Addr from the net package into an unmapped
// IPv4 netip.AddrPort.
func addrPort(t *testing.T, address net.Addr) netip.AddrPort {
	t.Helper()
	var endpoint netip.AddrPort
	switch address := address.(type) {
	case *net.TCPAddr:
		endpoint = address.AddrPort()
	case *net.UDPAddr:
		endpoint = address.AddrPort()
	default:
		t.Fatalf("unexpected address type %T", address)
	}
	return netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
}

// waitUntil polls condition until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
