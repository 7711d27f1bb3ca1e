// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tproxy

import (
	"fmt"
	"net/netip"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/netbroker/lib/metrics"
)

// Session is one client endpoint's upstream socket.
type Session struct {
	// Client is the endpoint the datagrams came from.
	Client netip.AddrPort

	// FD is the broker-issued datagram socket used for this client. The
	// table owns it and closes it when the session leaves.
	FD int

	// LastAccess is the table's logical clock at the most recent use.
	LastAccess uint64
}

// SessionInfo is the externally visible part of a Session.
type SessionInfo struct {
	Client     netip.AddrPort `cbor:"client" json:"client"`
	FD         int            `cbor:"fd" json:"fd"`
	LastAccess uint64         `cbor:"last_access" json:"last_access"`
}

// SessionTable maps client endpoints to upstream sockets, holding at
// most Capacity sessions. Inserting into a full table evicts the least
// recently used session and closes its socket.
//
// Every Insert and Touch advances a logical clock starting at 1 and
// stamps the session with it, so the least recently used session is
// also the one with the smallest LastAccess.
//
// SessionTable is not safe for concurrent use; DatagramProxy confines it
// to its worker goroutine.
type SessionTable struct {
	entries     *simplelru.LRU[netip.AddrPort, *Session]
	descriptors map[int]*Session
	clock       uint64

	// closeDescriptor releases a departing session's socket.
	closeDescriptor func(fd int) error
}

// NewSessionTable returns an empty table holding up to capacity sessions.
func NewSessionTable(capacity int) (*SessionTable, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("session table capacity must be at least 1, got %d", capacity)
	}
	table := &SessionTable{
		descriptors:     make(map[int]*Session),
		closeDescriptor: unix.Close,
	}
	entries, err := simplelru.NewLRU[netip.AddrPort, *Session](capacity, table.evicted)
	if err != nil {
		return nil, err
	}
	table.entries = entries
	return table, nil
}

// evicted runs for every session leaving the table, whether evicted,
// removed, or purged.
func (t *SessionTable) evicted(_ netip.AddrPort, session *Session) {
	delete(t.descriptors, session.FD)
	t.closeDescriptor(session.FD)
	metrics.DatagramSessionsActive.Dec()
}

func (t *SessionTable) tick() uint64 {
	t.clock++
	return t.clock
}

// Lookup returns the session for client without changing its recency.
func (t *SessionTable) Lookup(client netip.AddrPort) (*Session, bool) {
	return t.entries.Peek(client)
}

// LookupFD returns the session that owns fd.
func (t *SessionTable) LookupFD(fd int) (*Session, bool) {
	session, ok := t.descriptors[fd]
	return session, ok
}

// Insert adds a session for client using fd and stamps it. An existing
// session for the same client is removed first. At capacity the least
// recently used session is evicted; Insert reports whether that happened.
func (t *SessionTable) Insert(client netip.AddrPort, fd int) (*Session, bool) {
	t.entries.Remove(client)

	session := &Session{Client: client, FD: fd, LastAccess: t.tick()}
	t.descriptors[fd] = session
	metrics.DatagramSessionsActive.Inc()
	evicted := t.entries.Add(client, session)
	if evicted {
		metrics.DatagramEvictionsTotal.Inc()
	}
	return session, evicted
}

// Touch marks client's session as most recently used. It returns false if
// there is no such session.
func (t *SessionTable) Touch(client netip.AddrPort) bool {
	session, ok := t.entries.Get(client)
	if !ok {
		return false
	}
	session.LastAccess = t.tick()
	return true
}

// Remove drops client's session and closes its socket.
func (t *SessionTable) Remove(client netip.AddrPort) bool {
	return t.entries.Remove(client)
}

// Len returns the number of sessions.
func (t *SessionTable) Len() int {
	return t.entries.Len()
}

// Descriptors returns the socket of every session, in no particular
// order.
func (t *SessionTable) Descriptors() []int {
	descriptors := make([]int, 0, len(t.descriptors))
	for fd := range t.descriptors {
		descriptors = append(descriptors, fd)
	}
	return descriptors
}

// Snapshot lists the sessions from least to most recently used.
func (t *SessionTable) Snapshot() []SessionInfo {
	sessions := t.entries.Values()
	snapshot := make([]SessionInfo, len(sessions))
	for i, session := range sessions {
		snapshot[i] = SessionInfo{
			Client:     session.Client,
			FD:         session.FD,
			LastAccess: session.LastAccess,
		}
	}
	return snapshot
}

// Close removes every session and closes their sockets.
func (t *SessionTable) Close() {
	t.entries.Purge()
}
