// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

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

	"github.com/bureau-foundation/netbroker/lib/codec"
	"github.com/bureau-foundation/netbroker/lib/metrics"
	"github.com/bureau-foundation/netbroker/lib/netutil"
)

// Request is a control request. Fields other than Action are options
// read by the actions that understand them.
type Request struct {
	Action string `cbor:"action"`

	// OmitSessions asks "status" to report only the session count.
	OmitSessions bool `cbor:"omit_sessions,omitempty"`
}

// Response is the envelope written back for every request.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Handler answers one action. A non-nil result is CBOR-encoded into
// the response's data field.
type Handler func(ctx context.Context, request Request) (any, error)

// Control requests are a few bytes written immediately after connect,
// so both limits are tight.
const (
	exchangeTimeout = 5 * time.Second
	maxRequestSize  = 4 * 1024
)

// Server answers control requests on a Unix socket.
type Server struct {
	socketPath string
	logger     *slog.Logger
	handlers   map[string]Handler
	ready      chan struct{}

	inFlight sync.WaitGroup
}

// NewServer creates a control server for socketPath. Register actions
// with Handle before calling Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		logger:     logger,
		handlers:   make(map[string]Handler),
		ready:      make(chan struct{}),
	}
}

// Handle registers handler for action. It panics on an empty or
// duplicate action name.
func (s *Server) Handle(action string, handler Handler) {
	if action == "" {
		panic("service: empty action name")
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the socket path, replacing any stale file, and
// answers requests until ctx is cancelled. It waits for in-flight
// requests and removes the socket file before returning.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)
	close(s.ready)

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

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			defer connection.Close()
			s.exchange(ctx, connection)
		}()
	}

	s.inFlight.Wait()
	return nil
}

// exchange reads one request from connection and writes its response.
func (s *Server) exchange(ctx context.Context, connection *net.UnixConn) {
	connection.SetDeadline(time.Now().Add(exchangeTimeout))

	var request Request
	if err := codec.NewDecoder(io.LimitReader(connection, maxRequestSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		metrics.ControlRequestsTotal.WithLabelValues("", "invalid").Inc()
		s.respond(connection, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	s.respond(connection, s.dispatch(ctx, request))
}

// dispatch runs the handler for request.Action and builds the response.
// A panicking handler produces an error response; the server keeps
// running.
func (s *Server) dispatch(ctx context.Context, request Request) (response Response) {
	handler, exists := s.handlers[request.Action]
	if !exists {
		metrics.ControlRequestsTotal.WithLabelValues("", "invalid").Inc()
		if request.Action == "" {
			return Response{Error: "missing required field: action"}
		}
		return Response{Error: fmt.Sprintf("unknown action %q", request.Action)}
	}

	logger := s.logger.With("action", request.Action)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("control handler panicked", "panic", recovered)
			metrics.ControlRequestsTotal.WithLabelValues(request.Action, "error").Inc()
			response = Response{Error: "internal error"}
		}
	}()

	result, err := handler(ctx, request)
	if err != nil {
		logger.Debug("control action failed", "error", err)
		metrics.ControlRequestsTotal.WithLabelValues(request.Action, "error").Inc()
		return Response{Error: err.Error()}
	}
	response = Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			logger.Error("encoding control result failed", "error", err)
			metrics.ControlRequestsTotal.WithLabelValues(request.Action, "error").Inc()
			return Response{Error: fmt.Sprintf("encoding result: %v", err)}
		}
		response.Data = data
	}
	metrics.ControlRequestsTotal.WithLabelValues(request.Action, "ok").Inc()
	return response
}

func (s *Server) respond(connection *net.UnixConn, response Response) {
	if err := codec.NewEncoder(connection).Encode(response); err != nil && !netutil.IsExpectedCloseError(err) {
		s.logger.Debug("writing control response failed", "error", err)
	}
}
