// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socketd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is a request tag: the socket type the client wants. Its values are
// the platform's SOCK_* constants, which is also the wire encoding.
type Kind byte

const (
	// Stream requests an AF_INET/SOCK_STREAM socket.
	Stream Kind = unix.SOCK_STREAM

	// Datagram requests an AF_INET/SOCK_DGRAM socket.
	Datagram Kind = unix.SOCK_DGRAM
)

// ErrInvalidKind is returned for tags other than Stream and Datagram.
var ErrInvalidKind = errors.New("socketd: invalid socket kind")

// Valid reports whether k is a tag the broker serves.
func (k Kind) Valid() bool {
	return k == Stream || k == Datagram
}

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// newSocket creates an unconfigured AF_INET socket of kind k.
func newSocket(k Kind) (int, error) {
	if !k.Valid() {
		return -1, fmt.Errorf("%w: %d", ErrInvalidKind, byte(k))
	}
	fd, err := unix.Socket(unix.AF_INET, int(k)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_INET, %s): %w", k, err)
	}
	return fd, nil
}
