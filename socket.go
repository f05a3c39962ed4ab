// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package netd

import (
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/transport/tcp"
	"github.com/noisysockets/netstack/pkg/waiter"
)

// SocketKind is the protocol kind of a socket. Dispatch is a tag switch, not
// a type hierarchy, so the compiler can check exhaustiveness.
type SocketKind uint8

const (
	KindRaw SocketKind = iota
	KindICMP
	KindUDP
	KindTCP
)

func (k SocketKind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindICMP:
		return "icmp"
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Connectionless reports whether the kind is datagram-like. Connectionless
// sockets never report end-of-stream and address their writes explicitly.
func (k SocketKind) Connectionless() bool {
	return k != KindTCP
}

// SocketID identifies a socket within the registry.
type SocketID uint32

type socketState uint8

const (
	// socketActive: at least one handle references the socket, or it is a
	// listener awaiting acceptance.
	socketActive socketState = iota
	// socketClosing: the last handle is gone and the endpoint has been
	// closed, but the protocol-level close handshake has not finished. The
	// socket stays registered so the event loop can reap it once the stack
	// reports full closure.
	socketClosing
)

// Socket pairs a protocol-stack endpoint with the daemon's bookkeeping. The
// stack owns the endpoint; handles hold non-owning, counted references.
type Socket struct {
	id       SocketID
	kind     SocketKind
	ep       tcpip.Endpoint
	wq       *waiter.Queue
	netProto tcpip.NetworkProtocolNumber

	// refs counts the handles referencing this socket. Mutated only from
	// the event loop goroutine.
	refs      int
	state     socketState
	listening bool

	// remote is the default destination for connectionless sockets opened
	// with a remote endpoint in their spec. Nil for unconnected sockets.
	remote *tcpip.FullAddress

	// replyTo is the source of the most recently read datagram, used as the
	// write destination when no default remote is set.
	replyTo *tcpip.FullAddress

	waitEntry waiter.Entry
}

// ID returns the registry identifier of the socket.
func (s *Socket) ID() SocketID {
	return s.id
}

// Kind returns the protocol kind of the socket.
func (s *Socket) Kind() SocketKind {
	return s.kind
}

// LocalAddress returns the bound local endpoint.
func (s *Socket) LocalAddress() (tcpip.FullAddress, error) {
	addr, err := s.ep.GetLocalAddress()
	if err != nil {
		return tcpip.FullAddress{}, translateError(err)
	}
	return addr, nil
}

// RemoteAddress returns the connected remote endpoint, or the default remote
// for connectionless sockets.
func (s *Socket) RemoteAddress() (tcpip.FullAddress, error) {
	if s.kind.Connectionless() {
		if s.remote != nil {
			return *s.remote, nil
		}
		return tcpip.FullAddress{}, ErrInvalidAddress
	}

	addr, err := s.ep.GetRemoteAddress()
	if err != nil {
		return tcpip.FullAddress{}, translateError(err)
	}
	return addr, nil
}

// fullyClosed reports whether the protocol state machine has finished with
// the endpoint. TIME_WAIT is treated as closed for registry purposes: the
// stack keeps honoring it internally after the socket is deregistered.
func (s *Socket) fullyClosed() bool {
	if s.kind != KindTCP {
		return true
	}

	switch tcp.EndpointState(s.ep.State()) {
	case tcp.StateInitial, tcp.StateClose, tcp.StateError, tcp.StateTimeWait:
		return true
	default:
		return false
	}
}
