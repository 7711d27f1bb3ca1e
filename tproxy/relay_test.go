// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// relayPair is a relay running between two socketpairs. client and
// server are the test's ends; the relay owns the other two.
type relayPair struct {
	client net.Conn
	server net.Conn
	cancel context.CancelFunc
	result chan error
}

// connFromFD wraps one socketpair end as a net.Conn (for deadlines) and
// releases the original descriptor.
func connFromFD(t *testing.T, fd int, name string) net.Conn {
	t.Helper()
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()
	connection, err := net.FileConn(file)
	if err != nil {
		t.Fatalf("FileConn(%s): %v", name, err)
	}
	t.Cleanup(func() { connection.Close() })
	return connection
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func startRelay(t *testing.T) *relayPair {
	t.Helper()
	clientEnd, inbound := socketpair(t)
	outbound, serverEnd := socketpair(t)
	for _, fd := range []int{inbound, outbound} {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pair := &relayPair{
		client: connFromFD(t, clientEnd, "client"),
		server: connFromFD(t, serverEnd, "server"),
		cancel: cancel,
		result: make(chan error, 1),
	}
	go func() {
		_, err := relay(ctx, inbound, outbound)
		pair.result <- err
	}()
	t.Cleanup(cancel)
	return pair
}

// waitResult returns the relay's error, failing the test if it does not
// finish.
func (p *relayPair) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate")
	}
	return nil
}

// transfer writes payload on from and checks that to receives it intact.
func transfer(t *testing.T, from, to net.Conn, payload []byte) {
	t.Helper()
	if err := exchange(from, to, payload); err != nil {
		t.Fatal(err)
	}
}

// exchange writes payload on from and reads it back from to. It is safe
// to call from any goroutine.
func exchange(from, to net.Conn, payload []byte) error {
	writeErr := make(chan error, 1)
	go func() {
		from.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_, err := from.Write(payload)
		writeErr <- err
	}()

	to.SetReadDeadline(time.Now().Add(10 * time.Second))
	received := make([]byte, len(payload))
	if _, err := io.ReadFull(to, received); err != nil {
		return fmt.Errorf("reading relayed bytes: %w", err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if !bytes.Equal(received, payload) {
		return errors.New("relayed bytes differ from the bytes written")
	}
	return nil
}

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return payload
}

func TestRelay_ForwardsBothDirections(t *testing.T) {
	pair := startRelay(t)

	transfer(t, pair.client, pair.server, []byte("request"))
	transfer(t, pair.server, pair.client, []byte("response"))

	// Larger than any socket buffer, so writes hit EAGAIN inside the relay.
	transfer(t, pair.client, pair.server, randomPayload(t, 4<<20))
	transfer(t, pair.server, pair.client, randomPayload(t, 4<<20))
}

func TestRelay_Simultaneous(t *testing.T) {
	pair := startRelay(t)

	upstream := randomPayload(t, 1<<20)
	downstream := randomPayload(t, 1<<20)

	downstreamErr := make(chan error, 1)
	go func() {
		downstreamErr <- exchange(pair.server, pair.client, downstream)
	}()
	transfer(t, pair.client, pair.server, upstream)
	if err := <-downstreamErr; err != nil {
		t.Fatalf("downstream: %v", err)
	}
}

func TestRelay_ClientCloseEndsRelay(t *testing.T) {
	pair := startRelay(t)
	transfer(t, pair.client, pair.server, []byte("last words"))

	pair.client.Close()
	if err := pair.waitResult(t); err != nil && !errors.Is(err, errHangup) {
		t.Fatalf("relay returned %v, want clean end", err)
	}

	// The relay closed its side toward the server as well.
	pair.server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := pair.server.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("server read after relay end: %v, want EOF", err)
	}
}

func TestRelay_ServerCloseEndsRelay(t *testing.T) {
	pair := startRelay(t)

	pair.server.Close()
	if err := pair.waitResult(t); err != nil && !errors.Is(err, errHangup) {
		t.Fatalf("relay returned %v, want clean end", err)
	}
	pair.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := pair.client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("client read after relay end: %v, want EOF", err)
	}
}

func TestRelay_Cancel(t *testing.T) {
	pair := startRelay(t)
	pair.cancel()
	if err := pair.waitResult(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("relay returned %v, want context.Canceled", err)
	}
}

func TestChannelInterest(t *testing.T) {
	const inbound, outbound = 10, 11
	upstream := &channel{source: inbound, destination: outbound, state: awaitWritable}
	downstream := &channel{source: outbound, destination: inbound, state: awaitWritable}

	interest := func(fd int) int16 {
		return upstream.interest(fd) | downstream.interest(fd)
	}

	// Initially both sockets want write and neither wants read.
	if got := interest(inbound); got != unix.POLLOUT {
		t.Fatalf("initial inbound interest = %#x, want POLLOUT", got)
	}
	if got := interest(outbound); got != unix.POLLOUT {
		t.Fatalf("initial outbound interest = %#x, want POLLOUT", got)
	}

	// Outbound became writable: upstream now waits to read from inbound.
	upstream.state = awaitReadable
	if got := interest(inbound); got != unix.POLLIN|unix.POLLOUT {
		t.Fatalf("inbound interest = %#x, want POLLIN|POLLOUT", got)
	}
	if got := interest(outbound); got != 0 {
		t.Fatalf("outbound interest = %#x, want none", got)
	}

	downstream.state = awaitReadable
	if got := interest(inbound); got != unix.POLLIN {
		t.Fatalf("steady inbound interest = %#x, want POLLIN", got)
	}
	if got := interest(outbound); got != unix.POLLIN {
		t.Fatalf("steady outbound interest = %#x, want POLLIN", got)
	}
}
