// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socketd

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/fdpass"
	"github.com/bureau-foundation/netbroker/lib/metrics"
)

// ErrClientClosed is returned by Socket after Close.
var ErrClientClosed = errors.New("socketd: client closed")

// dialTimeout bounds connecting to the broker socket.
const dialTimeout = 5 * time.Second

// Client requests sockets from a broker. It is safe for concurrent use:
// requests are serialized so each tag is paired with its own response.
type Client struct {
	socketPath string

	mutex      sync.Mutex
	connection *net.UnixConn
	closed     bool
}

// Dial connects to the broker at socketPath. The connection is verified
// up front so misconfiguration is reported at startup rather than on the
// first proxied connection.
func Dial(socketPath string) (*Client, error) {
	client := &Client{socketPath: socketPath}
	connection, err := client.dial()
	if err != nil {
		return nil, err
	}
	client.connection = connection
	return client, nil
}

func (c *Client) dial() (*net.UnixConn, error) {
	connection, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("socketd: connecting to %s: %w", c.socketPath, err)
	}
	return connection.(*net.UnixConn), nil
}

// Socket requests one socket of kind and returns its descriptor, which
// the caller owns and must close.
//
// A transport failure closes the channel and is returned as-is; the next
// call dials the broker again.
func (c *Client) Socket(kind Kind) (int, error) {
	fd, err := c.request(kind)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BrokerRequestsTotal.WithLabelValues(kind.String(), result).Inc()
	return fd, err
}

func (c *Client) request(kind Kind) (int, error) {
	if !kind.Valid() {
		return -1, fmt.Errorf("%w: %d", ErrInvalidKind, byte(kind))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return -1, ErrClientClosed
	}
	if c.connection == nil {
		connection, err := c.dial()
		if err != nil {
			return -1, err
		}
		c.connection = connection
	}

	if _, err := c.connection.Write([]byte{byte(kind)}); err != nil {
		c.reset()
		return -1, fmt.Errorf("socketd: sending %s request: %w", kind, err)
	}

	fd, err := fdpass.Receive(c.connection)
	if err != nil {
		c.reset()
		return -1, fmt.Errorf("socketd: receiving %s socket: %w", kind, err)
	}

	socketType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("socketd: inspecting received socket: %w", err)
	}
	if socketType != int(kind) {
		// The channel is out of step with the broker; nothing after this
		// point can be trusted to pair correctly.
		unix.Close(fd)
		c.reset()
		return -1, fmt.Errorf("socketd: requested %s socket, received type %d", kind, socketType)
	}

	return fd, nil
}

// reset drops a broken channel. Called with mutex held.
func (c *Client) reset() {
	if c.connection != nil {
		c.connection.Close()
		c.connection = nil
	}
}

// Close ends the request stream. The broker sees EOF and ends its side.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	if c.connection == nil {
		return nil
	}
	err := c.connection.Close()
	c.connection = nil
	return err
}
