// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockopt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrNoOriginalDestination is returned when a datagram's control data
// does not include an IP_ORIGDSTADDR message.
var ErrNoOriginalDestination = errors.New("sockopt: no original destination in control data")

// sizeofSockaddrInet4 is sizeof(struct sockaddr_in).
const sizeofSockaddrInet4 = 16

// OriginalDestination returns the pre-redirect destination of an accepted
// TCP connection.
func OriginalDestination(connection syscall.Conn) (netip.AddrPort, error) {
	rawConnection, err := connection.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: raw connection: %w", err)
	}

	var destination netip.AddrPort
	var lookupError error
	if err := rawConnection.Control(func(fd uintptr) {
		destination, lookupError = OriginalDestinationFD(int(fd))
	}); err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: control: %w", err)
	}
	return destination, lookupError
}

// OriginalDestinationFD reads SO_ORIGINAL_DST from a socket descriptor.
//
// The kernel writes a struct sockaddr_in. x/sys has no typed getter for
// it, but IPv6Mreq is exactly 16 bytes with a byte-array layout, so its
// getter retrieves the raw sockaddr without a cgo dependency.
func OriginalDestinationFD(fd int) (netip.AddrPort, error) {
	raw, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: SO_ORIGINAL_DST: %w", err)
	}
	return decodeSockaddrInet4(raw.Multiaddr[:])
}

// ParseOriginalDestination extracts the IP_ORIGDSTADDR control message
// from the ancillary data returned by recvmsg(2).
func ParseOriginalDestination(control []byte) (netip.AddrPort, error) {
	messages, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: parsing control data: %w", err)
	}
	for _, message := range messages {
		if message.Header.Level == unix.SOL_IP && message.Header.Type == unix.IP_ORIGDSTADDR {
			return decodeSockaddrInet4(message.Data)
		}
	}
	return netip.AddrPort{}, ErrNoOriginalDestination
}

// OriginalDestinationControlSize is the control buffer size needed to
// receive one IP_ORIGDSTADDR message.
func OriginalDestinationControlSize() int {
	return unix.CmsgSpace(sizeofSockaddrInet4)
}

// decodeSockaddrInet4 decodes a raw struct sockaddr_in: family in host
// byte order, then port and address in network byte order.
func decodeSockaddrInet4(raw []byte) (netip.AddrPort, error) {
	if len(raw) < 8 {
		return netip.AddrPort{}, fmt.Errorf("sockopt: sockaddr too short (%d bytes)", len(raw))
	}
	family := binary.NativeEndian.Uint16(raw[0:2])
	if family != unix.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("sockopt: unsupported address family %d", family)
	}
	port := binary.BigEndian.Uint16(raw[2:4])
	address := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
	return netip.AddrPortFrom(address, port), nil
}

// SetTransparent enables IP_TRANSPARENT on fd.
func SetTransparent(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("sockopt: IP_TRANSPARENT: %w", err)
	}
	return nil
}

// SetReceiveOriginalDestination enables IP_RECVORIGDSTADDR on fd so every
// received datagram carries its original destination.
func SetReceiveOriginalDestination(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
		return fmt.Errorf("sockopt: IP_RECVORIGDSTADDR: %w", err)
	}
	return nil
}

// SetReuseAddress enables SO_REUSEADDR on fd.
func SetReuseAddress(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("sockopt: SO_REUSEADDR: %w", err)
	}
	return nil
}

// Sockaddr converts an IPv4 endpoint to a unix.Sockaddr.
func Sockaddr(endpoint netip.AddrPort) (unix.Sockaddr, error) {
	address := endpoint.Addr().Unmap()
	if !address.Is4() {
		return nil, fmt.Errorf("sockopt: %s is not an IPv4 endpoint", endpoint)
	}
	return &unix.SockaddrInet4{Port: int(endpoint.Port()), Addr: address.As4()}, nil
}

// AddrPort converts a unix.Sockaddr returned by recvfrom(2) or
// getsockname(2) to an IPv4 endpoint.
func AddrPort(sockaddr unix.Sockaddr) (netip.AddrPort, error) {
	inet4, ok := sockaddr.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("sockopt: unsupported sockaddr %T", sockaddr)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(inet4.Addr), uint16(inet4.Port)), nil
}

// ParseEndpoint resolves a "host:port" string (host may be empty) to an
// IPv4 endpoint. An empty host means 0.0.0.0.
func ParseEndpoint(address string) (netip.AddrPort, error) {
	tcpAddress, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: resolving %q: %w", address, err)
	}
	endpoint := tcpAddress.AddrPort()
	if !endpoint.Addr().IsValid() {
		endpoint = netip.AddrPortFrom(netip.IPv4Unspecified(), endpoint.Port())
	}
	return netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port()), nil
}
