// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/netbroker/lib/service"
	"github.com/bureau-foundation/netbroker/tproxy"
)

// proxies holds the front-ends this process started.
type proxies struct {
	stream   *tproxy.StreamProxy
	datagram *tproxy.DatagramProxy
}

// statusAction answers the "status" control action.
func (p *proxies) statusAction(ctx context.Context, request service.Request) (any, error) {
	var status tproxy.Status
	if p.stream != nil {
		stream := p.stream.Status()
		status.Stream = &stream
	}
	if p.datagram != nil {
		datagram, err := p.datagram.Status(ctx)
		if err != nil {
			return nil, err
		}
		if request.OmitSessions {
			datagram.Sessions = nil
		}
		status.Datagram = &datagram
	}
	return status, nil
}
