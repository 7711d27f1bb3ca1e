// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socketd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/fdpass"
	"github.com/bureau-foundation/netbroker/lib/metrics"
	"github.com/bureau-foundation/netbroker/lib/netutil"
)

// Server is the broker's listening side.
type Server struct {
	socketPath string
	logger     *slog.Logger
	ready      chan struct{}

	// activeConnections tracks per-connection goroutines so Serve can
	// wait for them before returning.
	activeConnections sync.WaitGroup

	mutex       sync.Mutex
	connections map[*net.UnixConn]struct{}
}

// NewServer creates a broker that will listen on socketPath. A Server
// serves once; create a new one to listen again.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		logger:      logger,
		ready:       make(chan struct{}),
		connections: make(map[*net.UnixConn]struct{}),
	}
}

// Ready returns a channel that is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the socket path and hands out sockets until ctx is
// cancelled. Any existing socket file at the path is removed before
// listening, and the file is removed again on return. Open client
// connections are closed on shutdown; in-flight requests are not
// drained.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	// Close does not unlink; removal is explicit so it also happens when
	// the listener was already closed by the cancellation goroutine.
	listener.SetUnlinkOnClose(false)
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket broker listening", "path", s.socketPath)
	close(s.ready)

	var connectionCount int64
	var backoff time.Duration
	for {
		connection, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = netutil.NextAcceptBackoff(backoff)
			s.logger.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		connectionCount++
		connectionID := connectionCount
		s.track(connection)
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.untrack(connection)
			s.handleConnection(connection, connectionID)
		}()
	}

	s.closeConnections()
	s.activeConnections.Wait()
	s.logger.Info("socket broker stopped", "path", s.socketPath)
	return nil
}

func (s *Server) track(connection *net.UnixConn) {
	s.mutex.Lock()
	s.connections[connection] = struct{}{}
	s.mutex.Unlock()
	metrics.BrokerConnectionsActive.Inc()
}

func (s *Server) untrack(connection *net.UnixConn) {
	s.mutex.Lock()
	delete(s.connections, connection)
	s.mutex.Unlock()
	metrics.BrokerConnectionsActive.Dec()
}

// closeConnections closes every open client connection, unblocking
// their goroutines' reads.
func (s *Server) closeConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for connection := range s.connections {
		connection.Close()
	}
}

// handleConnection serves one client's request stream until EOF, an
// invalid tag, or a transport error. A panic is contained here so it
// ends only this connection.
func (s *Server) handleConnection(connection *net.UnixConn, connectionID int64) {
	defer connection.Close()

	logger := s.logger.With("connection_id", connectionID)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("connection handler panicked", "panic", recovered)
		}
	}()

	logger.Debug("client connected")

	tag := make([]byte, 1)
	served := 0
	for {
		if _, err := io.ReadFull(connection, tag); err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Debug("client disconnected", "served", served)
			} else {
				logger.Warn("reading request failed", "served", served, "error", err)
			}
			return
		}

		kind := Kind(tag[0])
		if !kind.Valid() {
			metrics.BrokerProtocolViolationsTotal.Inc()
			logger.Warn("protocol violation: invalid socket kind, closing connection",
				"tag", tag[0],
				"served", served,
			)
			return
		}

		if err := transfer(connection, kind); err != nil {
			logger.Error("transferring socket failed", "kind", kind, "error", err)
			return
		}
		metrics.BrokerDescriptorsTotal.WithLabelValues(kind.String()).Inc()
		served++
		logger.Debug("socket transferred", "kind", kind)
	}
}

// transfer creates one socket of kind, sends it over connection, and
// closes the broker's copy so the client is its only owner.
func transfer(connection *net.UnixConn, kind Kind) error {
	fd, err := newSocket(kind)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fdpass.Send(connection, fd)
}
