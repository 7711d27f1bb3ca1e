// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"errors"
	"net"
		"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestTransparentReplier(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer listener.Close()
	client := addrPort(t, listener.LocalAddr())

	// A released port, so the bind cannot collide with a live socket.
	reserved, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	source := addrPort(t, reserved.LocalAddr())
	reserved.Close()

	err = TransparentReplier{}.Reply(source, client, []byte("answer"))
	if errors.Is(err, unix.EPERM) {
		t.Skip("IP_TRANSPARENT requires CAP_NET_ADMIN")
	}
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 64)
	count, from, err := listener.ReadFromUDP(buffer)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if string(buffer[:count]) != "answer" {
		t.Fatalf("payload = %q", buffer[:count])
	}
	if got := addrPort(t, from); got != source {
		t.Fatalf("reply came from %s, want %s", got, source)
	}
}
