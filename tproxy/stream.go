// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/metrics"
	"github.com/bureau-foundation/netbroker/lib/netutil"
	"github.com/bureau-foundation/netbroker/lib/sockopt"
	"github.com/bureau-foundation/netbroker/socketd"
)

// StreamProxy relays redirected TCP connections to their original
// destinations through broker-issued sockets.
type StreamProxy struct {
	// ListenAddr is the TCP address to listen on (e.g. "0.0.0.0:3128").
	ListenAddr string

	// Sockets supplies one stream socket per accepted connection.
	Sockets SocketSource

	// DestinationOverride, when valid, is used as every connection's
	// destination instead of the SO_ORIGINAL_DST lookup. Without it the
	// proxy only works behind an iptables REDIRECT rule.
	DestinationOverride netip.AddrPort

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events are logged at Debug level.
	Logger *slog.Logger

	listener    *net.TCPListener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
	active      atomic.Int64
}

func (p *StreamProxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound. The proxy runs until
// Stop is called or ctx is cancelled.
func (p *StreamProxy) Start(ctx context.Context) error {
	if p.ListenAddr == "" {
		return fmt.Errorf("stream proxy: ListenAddr is required")
	}
	if p.Sockets == nil {
		return fmt.Errorf("stream proxy: Sockets is required")
	}

	address, err := net.ResolveTCPAddr("tcp4", p.ListenAddr)
	if err != nil {
		return fmt.Errorf("stream proxy: resolving %s: %w", p.ListenAddr, err)
	}
	listener, err := net.ListenTCP("tcp4", address)
	if err != nil {
		return fmt.Errorf("stream proxy: failed to listen on %s: %w", p.ListenAddr, err)
	}
	p.listener = listener

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(p.done)
		p.acceptLoop(ctx)
	}()

	p.logger().Info("stream proxy started",
		"listen_addr", listener.Addr().String(),
		"destination_override", overrideString(p.DestinationOverride),
	)
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil if the proxy has not been started.
func (p *StreamProxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ActiveConnections returns the number of connections currently being
// relayed.
func (p *StreamProxy) ActiveConnections() int64 {
	return p.active.Load()
}

// Stop closes the listener, ends every relay, and waits for their
// goroutines to finish.
func (p *StreamProxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.Wait()
}

// Wait blocks until the proxy has stopped.
func (p *StreamProxy) Wait() {
	if p.done != nil {
		<-p.done
	}
}

// acceptLoop accepts connections until the listener closes, then waits
// for every connection goroutine so that closing done signals full
// quiescence.
func (p *StreamProxy) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := p.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				p.connections.Wait()
				return
			}
			p.logger().Error("accept failed", "error", err)
			continue
		}

		connectionCount++
		connectionID := connectionCount
		p.connections.Add(1)
		go func() {
			defer p.connections.Done()
			p.handleConnection(ctx, connection, connectionID)
		}()
	}
}

func (p *StreamProxy) handleConnection(ctx context.Context, connection *net.TCPConn, connectionID int64) {
	defer connection.Close()

	logger := p.logger().With(
		"connection_id", connectionID,
		"client", connection.RemoteAddr().String(),
	)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("connection handler panicked", "panic", recovered)
		}
	}()

	metrics.StreamConnectionsTotal.Inc()
	p.active.Add(1)
	metrics.StreamConnectionsActive.Inc()
	defer func() {
		p.active.Add(-1)
		metrics.StreamConnectionsActive.Dec()
	}()

	outbound, err := p.Sockets.Socket(socketd.Stream)
	if err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("socket").Inc()
		logger.Error("requesting stream socket from broker failed", "error", err)
		return
	}
	ownsOutbound := true
	defer func() {
		if ownsOutbound {
			unix.Close(outbound)
		}
	}()

	destination, err := p.destination(connection)
	if err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("destination").Inc()
		logger.Warn("no original destination, closing connection", "error", err)
		return
	}
	logger = logger.With("destination", destination.String())

	sockaddr, err := sockopt.Sockaddr(destination)
	if err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("destination").Inc()
		logger.Warn("unusable destination", "error", err)
		return
	}
	if err := unix.SetNonblock(outbound, true); err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("connect").Inc()
		logger.Error("setting broker socket non-blocking failed", "error", err)
		return
	}
	if err := connect(ctx, outbound, sockaddr); err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("connect").Inc()
		logger.Info("connecting to destination failed", "error", err)
		return
	}

	inbound, err := detach(connection)
	if err != nil {
		metrics.StreamFailuresTotal.WithLabelValues("relay").Inc()
		logger.Error("detaching client connection failed", "error", err)
		return
	}
	connection.Close()

	logger.Debug("relaying")
	ownsOutbound = false
	stats, err := relay(ctx, inbound, outbound)
	switch {
	case err == nil, errors.Is(err, errHangup), errors.Is(err, context.Canceled):
		logger.Debug("connection closed",
			"bytes_upstream", stats.Upstream,
			"bytes_downstream", stats.Downstream,
		)
	case netutil.IsExpectedCloseError(err):
		logger.Debug("connection reset",
			"bytes_upstream", stats.Upstream,
			"bytes_downstream", stats.Downstream,
			"error", err,
		)
	default:
		metrics.StreamFailuresTotal.WithLabelValues("relay").Inc()
		logger.Warn("relay failed",
			"bytes_upstream", stats.Upstream,
			"bytes_downstream", stats.Downstream,
			"error", err,
		)
	}
}

// destination returns where the client originally tried to connect.
func (p *StreamProxy) destination(connection *net.TCPConn) (netip.AddrPort, error) {
	if p.DestinationOverride.IsValid() {
		return p.DestinationOverride, nil
	}
	return sockopt.OriginalDestination(connection)
}

// detach duplicates the descriptor behind connection so it can be driven
// with poll directly. The duplicate shares the original's non-blocking
// mode; the caller may close connection afterwards without affecting it.
func detach(connection *net.TCPConn) (int, error) {
	raw, err := connection.SyscallConn()
	if err != nil {
		return -1, err
	}
	duplicate := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		duplicate, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	if err := unix.SetNonblock(duplicate, true); err != nil {
		unix.Close(duplicate)
		return -1, err
	}
	return duplicate, nil
}

func overrideString(endpoint netip.AddrPort) string {
	if !endpoint.IsValid() {
		return ""
	}
	return endpoint.String()
}
