// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/metrics"
	"github.com/bureau-foundation/netbroker/lib/sockopt"
	"github.com/bureau-foundation/netbroker/socketd"
)

// maxDatagramSize holds the largest IPv4 UDP payload.
const maxDatagramSize = 65535

// ErrNotRunning is returned by Sessions when the proxy's worker is not
// running.
var ErrNotRunning = errors.New("datagram proxy is not running")

// DatagramProxy relays redirected UDP datagrams to their original
// destinations, one broker-issued socket per client endpoint.
//
// A single worker goroutine owns the listener, the session table, and
// every session socket, multiplexing them with poll.
type DatagramProxy struct {
	// ListenAddr is the IPv4 address to bind (e.g. "0.0.0.0:3128").
	ListenAddr string

	// Sockets supplies one datagram socket per new session.
	Sockets SocketSource

	// Capacity is the maximum number of concurrent sessions. Zero means 8.
	Capacity int

	// Transparent sets IP_TRANSPARENT on the listener so it accepts
	// datagrams addressed to foreign destinations. Requires CAP_NET_ADMIN.
	Transparent bool

	// DestinationOverride, when valid, replaces each datagram's original
	// destination.
	DestinationOverride netip.AddrPort

	// Replier sends replies back to clients. If nil, TransparentReplier
	// is used.
	Replier ReplySender

	// Logger receives structured log output. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	listenFD  int
	address   netip.AddrPort
	capacity  int
	sessions  *SessionTable
	snapshots chan chan []SessionInfo
	cancel    context.CancelFunc
	done      chan struct{}
}

func (p *DatagramProxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *DatagramProxy) replier() ReplySender {
	if p.Replier != nil {
		return p.Replier
	}
	return TransparentReplier{}
}

// Start binds the listener and starts the worker. It returns once the
// listener is bound.
func (p *DatagramProxy) Start(ctx context.Context) error {
	if p.ListenAddr == "" {
		return fmt.Errorf("datagram proxy: ListenAddr is required")
	}
	if p.Sockets == nil {
		return fmt.Errorf("datagram proxy: Sockets is required")
	}
	p.capacity = p.Capacity
	if p.capacity == 0 {
		p.capacity = 8
	}
	sessions, err := NewSessionTable(p.capacity)
	if err != nil {
		return fmt.Errorf("datagram proxy: %w", err)
	}

	listenFD, address, err := p.listen()
	if err != nil {
		return fmt.Errorf("datagram proxy: %w", err)
	}
	p.listenFD = listenFD
	p.address = address
	p.sessions = sessions
	p.snapshots = make(chan chan []SessionInfo)

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer unix.Close(listenFD)
		defer sessions.Close()
		p.run(ctx)
	}()

	p.logger().Info("datagram proxy started",
		"listen_addr", address.String(),
		"capacity", p.capacity,
		"transparent", p.Transparent,
		"destination_override", overrideString(p.DestinationOverride),
	)
	return nil
}

// listen creates and binds the listening socket.
func (p *DatagramProxy) listen() (int, netip.AddrPort, error) {
	endpoint, err := sockopt.ParseEndpoint(p.ListenAddr)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	sockaddr, err := sockopt.Sockaddr(endpoint)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("creating listener: %w", err)
	}
	fail := func(err error) (int, netip.AddrPort, error) {
		unix.Close(fd)
		return -1, netip.AddrPort{}, err
	}

	if err := sockopt.SetReuseAddress(fd); err != nil {
		return fail(err)
	}
	if p.Transparent {
		if err := sockopt.SetTransparent(fd); err != nil {
			return fail(err)
		}
	}
	if err := sockopt.SetReceiveOriginalDestination(fd); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		return fail(fmt.Errorf("binding %s: %w", endpoint, err))
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(fmt.Errorf("getsockname: %w", err))
	}
	address, err := sockopt.AddrPort(bound)
	if err != nil {
		return fail(err)
	}
	return fd, address, nil
}

// Addr returns the bound listener address. It is the zero value before
// Start.
func (p *DatagramProxy) Addr() netip.AddrPort {
	return p.address
}

// EffectiveCapacity reports the session capacity in use once started.
func (p *DatagramProxy) EffectiveCapacity() int {
	return p.capacity
}

// Stop ends the worker, closes every session socket and the listener, and
// waits for the worker to exit.
func (p *DatagramProxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.Wait()
}

// Wait blocks until the worker has exited.
func (p *DatagramProxy) Wait() {
	if p.done != nil {
		<-p.done
	}
}

// Sessions returns a snapshot of the session table, least recently used
// first. The worker serves the request between poll waits.
func (p *DatagramProxy) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if p.done == nil {
		return nil, ErrNotRunning
	}
	reply := make(chan []SessionInfo, 1)
	select {
	case p.snapshots <- reply:
	case <-p.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the worker loop.
func (p *DatagramProxy) run(ctx context.Context) {
	logger := p.logger()
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("datagram worker panicked", "panic", recovered)
		}
	}()

	buffer := make([]byte, maxDatagramSize)
	control := make([]byte, sockopt.OriginalDestinationControlSize())
	descriptors := make([]unix.PollFd, 0, p.capacity+1)

	for {
		select {
		case <-ctx.Done():
			logger.Info("datagram proxy stopped", "sessions", p.sessions.Len())
			return
		case reply := <-p.snapshots:
			reply <- p.sessions.Snapshot()
			continue
		default:
		}

		descriptors = descriptors[:0]
		descriptors = append(descriptors, unix.PollFd{Fd: int32(p.listenFD), Events: unix.POLLIN})
		for _, fd := range p.sessions.Descriptors() {
			descriptors = append(descriptors, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		ready, err := unix.Poll(descriptors, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Error("poll failed, stopping datagram proxy", "error", err)
			return
		}
		if ready == 0 {
			continue
		}

		for _, descriptor := range descriptors {
			if descriptor.Revents == 0 {
				continue
			}
			fd := int(descriptor.Fd)
			if fd == p.listenFD {
				p.forward(buffer, control)
				continue
			}
			// The session may have been evicted by a forward earlier in
			// this pass; its descriptor number may even belong to a new
			// session now, which recvfrom tolerates as EAGAIN.
			if session, ok := p.sessions.LookupFD(fd); ok {
				p.returnReply(session, buffer)
			}
		}
	}
}

// forward reads one datagram from the listener and sends it upstream
// through the client's session socket.
func (p *DatagramProxy) forward(buffer, control []byte) {
	logger := p.logger()

	count, controlCount, _, from, err := unix.Recvmsg(p.listenFD, buffer, control, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		metrics.DatagramDropsTotal.WithLabelValues("receive").Inc()
		logger.Warn("receiving datagram failed", "error", err)
		return
	}
	client, err := sockopt.AddrPort(from)
	if err != nil {
		metrics.DatagramDropsTotal.WithLabelValues("receive").Inc()
		logger.Warn("datagram from unusable source", "error", err)
		return
	}
	logger = logger.With("client", client.String())

	destination := p.DestinationOverride
	if !destination.IsValid() {
		destination, err = sockopt.ParseOriginalDestination(control[:controlCount])
		if err != nil {
			metrics.DatagramDropsTotal.WithLabelValues("no_destination").Inc()
			logger.Warn("dropping datagram without original destination", "error", err)
			return
		}
	}
	destinationAddress, err := sockopt.Sockaddr(destination)
	if err != nil {
		metrics.DatagramDropsTotal.WithLabelValues("no_destination").Inc()
		logger.Warn("dropping datagram with unusable destination", "error", err)
		return
	}

	session, found := p.sessions.Lookup(client)
	if found {
		p.sessions.Touch(client)
	} else {
		fd, err := p.Sockets.Socket(socketd.Datagram)
		if err != nil {
			metrics.DatagramDropsTotal.WithLabelValues("broker").Inc()
			logger.Error("requesting datagram socket from broker failed", "error", err)
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			metrics.DatagramDropsTotal.WithLabelValues("broker").Inc()
			logger.Error("setting session socket non-blocking failed", "error", err)
			return
		}
		var evicted bool
		session, evicted = p.sessions.Insert(client, fd)
		logger.Debug("session created", "fd", fd, "evicted", evicted, "sessions", p.sessions.Len())
	}

	if err := unix.Sendto(session.FD, buffer[:count], 0, destinationAddress); err != nil {
		metrics.DatagramDropsTotal.WithLabelValues("send").Inc()
		logger.Info("forwarding datagram failed, removing session",
			"destination", destination.String(),
			"error", err,
		)
		p.sessions.Remove(client)
		return
	}
	metrics.DatagramPacketsTotal.WithLabelValues(metrics.Upstream).Inc()
}

// returnReply reads one datagram from a session socket and hands it to
// the replier.
func (p *DatagramProxy) returnReply(session *Session, buffer []byte) {
	logger := p.logger().With("client", session.Client.String())
	client := session.Client

	p.sessions.Touch(client)
	count, from, err := unix.Recvfrom(session.FD, buffer, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		metrics.DatagramDropsTotal.WithLabelValues("receive").Inc()
		logger.Info("session socket failed, removing session", "error", err)
		p.sessions.Remove(client)
		return
	}
	source, err := sockopt.AddrPort(from)
	if err != nil {
		metrics.DatagramDropsTotal.WithLabelValues("receive").Inc()
		logger.Warn("reply from unusable source", "error", err)
		return
	}

	if err := p.replier().Reply(source, client, buffer[:count]); err != nil {
		metrics.DatagramDropsTotal.WithLabelValues("reply").Inc()
		logger.Warn("sending reply failed", "source", source.String(), "error", err)
		return
	}
	metrics.DatagramPacketsTotal.WithLabelValues(metrics.Downstream).Inc()
}
