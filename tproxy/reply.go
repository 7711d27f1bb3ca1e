// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/sockopt"
)

// ReplySender delivers a reply datagram to a client so that it appears to
// come from source.
type ReplySender interface {
	Reply(source, client netip.AddrPort, payload []byte) error
}

// replyTTL is the IP TTL set on spoofed replies.
const replyTTL = 255

// TransparentReplier sends each reply from a short-lived socket bound to
// the reply's source address with IP_TRANSPARENT, so the client sees the
// remote endpoint it originally addressed. It needs CAP_NET_ADMIN.
type TransparentReplier struct{}

// Reply implements ReplySender.
func (TransparentReplier) Reply(source, client netip.AddrPort, payload []byte) error {
	sourceAddress, err := sockopt.Sockaddr(source)
	if err != nil {
		return fmt.Errorf("reply source: %w", err)
	}
	clientAddress, err := sockopt.Sockaddr(client)
	if err != nil {
		return fmt.Errorf("reply destination: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating reply socket: %w", err)
	}
	defer unix.Close(fd)

	if err := sockopt.SetReuseAddress(fd); err != nil {
		return err
	}
	if err := sockopt.SetTransparent(fd); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, replyTTL); err != nil {
		return fmt.Errorf("setting IP_TTL: %w", err)
	}
	if err := unix.Bind(fd, sourceAddress); err != nil {
		return fmt.Errorf("binding reply socket to %s: %w", source, err)
	}
	if err := unix.Sendto(fd, payload, 0, clientAddress); err != nil {
		return fmt.Errorf("sending reply to %s: %w", client, err)
	}
	return nil
}
