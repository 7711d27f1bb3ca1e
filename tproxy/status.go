// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import "context"

// Status describes a running proxy process. Front-ends that are not
// running are nil.
type Status struct {
	Stream   *StreamStatus   `cbor:"stream,omitempty" json:"stream,omitempty"`
	Datagram *DatagramStatus `cbor:"datagram,omitempty" json:"datagram,omitempty"`
}

// StreamStatus describes a StreamProxy.
type StreamStatus struct {
	Listen            string `cbor:"listen" json:"listen"`
	ActiveConnections int64  `cbor:"active_connections" json:"active_connections"`
}

// DatagramStatus describes a DatagramProxy and its session table.
// Active is always the session count; Sessions may be omitted by the
// caller to keep large tables off the wire.
type DatagramStatus struct {
	Listen   string        `cbor:"listen" json:"listen"`
	Capacity int           `cbor:"capacity" json:"capacity"`
	Active   int           `cbor:"active" json:"active"`
	Sessions []SessionInfo `cbor:"sessions,omitempty" json:"sessions,omitempty"`
}

// Status reports the proxy's listener and active connection count.
func (p *StreamProxy) Status() StreamStatus {
	status := StreamStatus{ActiveConnections: p.ActiveConnections()}
	if address := p.Addr(); address != nil {
		status.Listen = address.String()
	}
	return status
}

// Status reports the proxy's listener and current sessions.
func (p *DatagramProxy) Status(ctx context.Context) (DatagramStatus, error) {
	sessions, err := p.Sessions(ctx)
	if err != nil {
		return DatagramStatus{}, err
	}
	return DatagramStatus{
		Listen:   p.Addr().String(),
		Capacity: p.EffectiveCapacity(),
		Active:   len(sessions),
		Sessions: sessions,
	}, nil
}
