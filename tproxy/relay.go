// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/metrics"
)

// relayChunkSize is the most a single read moves from one side to the
// other.
const relayChunkSize = 4096

// pollTimeoutMillis bounds each poll wait so cancellation is noticed.
const pollTimeoutMillis = 100

// errHangup is returned when a socket reports POLLHUP with nothing left to
// read.
var errHangup = errors.New("peer hung up")

// channelState is where one direction of a relay is in its cycle.
type channelState int

const (
	// awaitWritable: waiting for the destination to accept bytes.
	awaitWritable channelState = iota

	// awaitReadable: waiting for the source to produce bytes.
	awaitReadable
)

func (s channelState) String() string {
	switch s {
	case awaitWritable:
		return "await-writable"
	case awaitReadable:
		return "await-readable"
	default:
		return fmt.Sprintf("channelState(%d)", int(s))
	}
}

// channel is one half-duplex direction of a relay.
type channel struct {
	source      int
	destination int
	state       channelState
	direction   string
	bytes       int64
}

// interest returns the poll events this channel wants on fd.
func (c *channel) interest(fd int) int16 {
	var events int16
	if c.state == awaitWritable && c.destination == fd {
		events |= unix.POLLOUT
	}
	if c.state == awaitReadable && c.source == fd {
		events |= unix.POLLIN
	}
	return events
}

// relayStats reports how many bytes each direction moved.
type relayStats struct {
	Upstream   int64
	Downstream int64
}

// relay copies bytes between inbound (the accepted client) and outbound
// (the broker-issued socket connected to the original destination) until
// either side reaches end-of-stream, a socket fails, or ctx is cancelled.
// Both descriptors must be non-blocking. relay closes both before
// returning. A clean end-of-stream on either side returns a nil error.
func relay(ctx context.Context, inbound, outbound int) (relayStats, error) {
	defer unix.Close(inbound)
	defer unix.Close(outbound)

	channels := [2]*channel{
		{source: inbound, destination: outbound, state: awaitWritable, direction: metrics.Upstream},
		{source: outbound, destination: inbound, state: awaitWritable, direction: metrics.Downstream},
	}
	stats := func() relayStats {
		return relayStats{Upstream: channels[0].bytes, Downstream: channels[1].bytes}
	}

	buffer := make([]byte, relayChunkSize)
	descriptors := []unix.PollFd{{Fd: int32(inbound)}, {Fd: int32(outbound)}}

	for {
		if err := ctx.Err(); err != nil {
			return stats(), err
		}

		for i := range descriptors {
			fd := int(descriptors[i].Fd)
			descriptors[i].Events = channels[0].interest(fd) | channels[1].interest(fd)
			descriptors[i].Revents = 0
		}

		ready, err := unix.Poll(descriptors, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return stats(), fmt.Errorf("poll: %w", err)
		}
		if ready == 0 {
			continue
		}

		for _, descriptor := range descriptors {
			events := descriptor.Revents
			if events&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return stats(), fmt.Errorf("fd %d: %w", descriptor.Fd, socketError(int(descriptor.Fd)))
			}
			if events&unix.POLLHUP != 0 && events&unix.POLLIN == 0 {
				return stats(), errHangup
			}
		}
		revents := func(fd int) int16 {
			if fd == inbound {
				return descriptors[0].Revents
			}
			return descriptors[1].Revents
		}

		for _, current := range channels {
			switch current.state {
			case awaitWritable:
				if revents(current.destination)&unix.POLLOUT != 0 {
					current.state = awaitReadable
				}
			case awaitReadable:
				if revents(current.source)&unix.POLLIN == 0 {
					continue
				}
				count, err := unix.Read(current.source, buffer)
				if err != nil {
					if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
						continue
					}
					return stats(), fmt.Errorf("reading %s: %w", current.direction, err)
				}
				if count == 0 {
					return stats(), nil
				}
				if err := writeAll(ctx, current.destination, buffer[:count]); err != nil {
					return stats(), fmt.Errorf("writing %s: %w", current.direction, err)
				}
				current.bytes += int64(count)
				metrics.StreamBytesTotal.WithLabelValues(current.direction).Add(float64(count))
				current.state = awaitWritable
			}
		}
	}
}

// writeAll writes data to the non-blocking descriptor fd, waiting for
// POLLOUT whenever the socket buffer is full.
func writeAll(ctx context.Context, fd int, data []byte) error {
	for len(data) > 0 {
		written, err := unix.Write(fd, data)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if err := waitFor(ctx, fd, unix.POLLOUT); err != nil {
					return err
				}
				continue
			default:
				return err
			}
		}
		data = data[written:]
	}
	return nil
}

// waitFor blocks until fd reports one of events, fails, or ctx is done.
func waitFor(ctx context.Context, fd int, events int16) error {
	descriptors := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		descriptors[0].Revents = 0
		ready, err := unix.Poll(descriptors, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if ready == 0 {
			continue
		}
		revents := descriptors[0].Revents
		if revents&events != 0 {
			return nil
		}
		if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return socketError(fd)
		}
		if revents&unix.POLLHUP != 0 {
			return errHangup
		}
	}
}

// socketError returns the pending SO_ERROR on fd, or a generic error when
// none is recorded.
func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("reading SO_ERROR: %w", err)
	}
	if code == 0 {
		return errors.New("socket error condition")
	}
	return unix.Errno(code)
}

// connect connects the non-blocking socket fd to destination, waiting for
// the handshake to complete or ctx to end.
func connect(ctx context.Context, fd int, destination unix.Sockaddr) error {
	err := unix.Connect(fd, destination)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		return err
	}
	if err := waitFor(ctx, fd, unix.POLLOUT); err != nil {
		return err
	}
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("reading SO_ERROR: %w", err)
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}
