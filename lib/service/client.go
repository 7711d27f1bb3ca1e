// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/netbroker/lib/codec"
)

// defaultCallTimeout bounds a Call whose context has no deadline.
const defaultCallTimeout = 10 * time.Second

// maxResponseSize bounds a decoded response. A status listing a few
// thousand sessions fits comfortably.
const maxResponseSize = 1024 * 1024

// RemoteError is a failure reported by the server ({ok: false}).
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client calls a control socket. It holds no connection; each Call
// dials, exchanges one request, and hangs up.
type Client struct {
	socketPath string
}

// NewClient returns a client for the control socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends request and decodes a successful response's data into
// result, which may be nil. A failure reported by the server is
// returned as *RemoteError; transport failures are returned wrapped.
func (c *Client) Call(ctx context.Context, request Request, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	response, err := c.exchange(ctx, request)
	if err != nil {
		return fmt.Errorf("control socket %s: %s: %w", c.socketPath, request.Action, err)
	}
	if !response.OK {
		return &RemoteError{Action: request.Action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", request.Action, err)
		}
	}
	return nil
}

// Status calls the "status" action.
func (c *Client) Status(ctx context.Context, omitSessions bool, result any) error {
	return c.Call(ctx, Request{Action: "status", OmitSessions: omitSessions}, result)
}

func (c *Client) exchange(ctx context.Context, request Request) (Response, error) {
	var dialer net.Dialer
	connection, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, err
	}
	defer connection.Close()

	// Call guarantees ctx ends, and closing the connection then
	// unblocks whichever write or read is pending.
	stop := context.AfterFunc(ctx, func() { connection.Close() })
	defer stop()

	if err := codec.NewEncoder(connection).Encode(request); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("writing request: %w", err)
	}
	connection.(*net.UnixConn).CloseWrite()

	var response Response
	if err := codec.NewDecoder(io.LimitReader(connection, maxResponseSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return response, nil
}
