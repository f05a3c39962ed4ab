// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package netd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/noisysockets/netstack/pkg/buffer"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/netstack/pkg/tcpip/link/channel"
	"github.com/noisysockets/netstack/pkg/tcpip/network/ipv4"
	"github.com/noisysockets/netstack/pkg/tcpip/network/ipv6"
	nstack "github.com/noisysockets/netstack/pkg/tcpip/stack"
	"github.com/noisysockets/netstack/pkg/tcpip/transport/icmp"
	"github.com/noisysockets/netstack/pkg/tcpip/transport/raw"
	"github.com/noisysockets/netstack/pkg/tcpip/transport/tcp"
	"github.com/noisysockets/netstack/pkg/tcpip/transport/udp"
	"github.com/noisysockets/netstack/pkg/waiter"

	"github.com/strandnet/netd/internal/util"
)

const (
	nicID = 1

	outboundQueueSize = 256
	listenBacklog     = 16

	// closingReapInterval is how often a closing TCP socket is re-checked
	// for full protocol-level closure.
	closingReapInterval = 200 * time.Millisecond

	// egressRetryDelay bounds how long queued outbound frames wait when the
	// link reports it cannot accept more.
	egressRetryDelay = 5 * time.Millisecond
)

// socketEvents is the readiness mask every registered socket is watched
// with. Any of these may unblock a parked operation.
const socketEvents = waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp

// StackConfig configures the protocol-stack instance.
type StackConfig struct {
	// Addresses to assign to the interface.
	Addresses []netip.Prefix
	// HandleLocal indicates whether packets destined to their source should
	// be handled by the stack internally (true) or sent out the link (false).
	HandleLocal bool
	// MaxSockets bounds the socket registry. Zero means the default.
	MaxSockets int
}

// SocketOptions describes the socket a client asked for, as decoded from its
// open spec by the scheme dispatcher.
type SocketOptions struct {
	Kind   SocketKind
	Local  netip.AddrPort
	Remote netip.AddrPort
	// Listen requests a listening TCP socket. Mutually exclusive with a
	// remote endpoint.
	Listen bool
	// RawProtocol is the IP protocol number for raw sockets.
	RawProtocol uint8
}

// Stack owns the protocol-stack instance, its link binding, and the registry
// of live sockets. It is the single explicitly owned stack instance: every
// component that needs it receives it by reference, never through globals.
//
// All methods except Wake are called only from the event loop goroutine.
type Stack struct {
	logger *slog.Logger
	link   Link
	stack  *nstack.Stack
	ep     *channel.Endpoint

	notifyHandle *channel.NotificationHandle

	// wake coalesces readiness signals from socket waiter queues and the
	// link endpoint's outbound notifier into a single loop wakeup.
	wake chan struct{}

	timers *timerQueue

	sockets    map[SocketID]*Socket
	nextSocket SocketID
	maxSockets int

	// egress holds outbound frames the link would not accept yet.
	egress [][]byte

	closed bool
}

// NewStack creates a protocol stack bound to the given link. The timer queue
// is shared with the event loop so every deadline in the daemon coalesces
// into one wait bound.
func NewStack(logger *slog.Logger, link Link, timers *timerQueue, conf *StackConfig) (*Stack, error) {
	if conf == nil {
		conf = &StackConfig{}
	}

	stackOpts := nstack.Options{
		NetworkProtocols: []nstack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []nstack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		RawFactory:  raw.EndpointFactory{},
		HandleLocal: conf.HandleLocal,
	}

	maxSockets := conf.MaxSockets
	if maxSockets <= 0 {
		maxSockets = 1024
	}

	s := &Stack{
		logger:     logger,
		link:       link,
		stack:      nstack.New(stackOpts),
		ep:         channel.New(outboundQueueSize, uint32(link.MTU()), ""),
		wake:       make(chan struct{}, 1),
		timers:     timers,
		sockets:    make(map[SocketID]*Socket),
		maxSockets: maxSockets,
	}

	s.notifyHandle = s.ep.AddNotify(s)

	if err := s.stack.CreateNIC(nicID, s.ep); err != nil {
		s.stack.Close()
		return nil, fmt.Errorf("failed to create NIC: %v", err)
	}

	for _, addr := range conf.Addresses {
		var pn tcpip.NetworkProtocolNumber
		if addr.Addr().Is4() {
			pn = ipv4.ProtocolNumber
		} else {
			pn = ipv6.ProtocolNumber
		}

		protocolAddress := tcpip.ProtocolAddress{
			Protocol: pn,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFromSlice(addr.Addr().AsSlice()),
				PrefixLen: addr.Bits(),
			},
		}

		if err := s.stack.AddProtocolAddress(nicID, protocolAddress, nstack.AddressProperties{}); err != nil {
			s.stack.Close()
			return nil, fmt.Errorf("could not add address: %v", err)
		}
	}

	// Route all outbound packets to the NIC.
	s.stack.AddRoute(tcpip.Route{
		Destination: header.IPv4EmptySubnet,
		NIC:         nicID,
	})
	s.stack.AddRoute(tcpip.Route{
		Destination: header.IPv6EmptySubnet,
		NIC:         nicID,
	})

	return s, nil
}

// WriteNotify implements channel.Notification. Called from stack-internal
// goroutines whenever an outbound packet is queued; it must only poke the
// wake channel.
func (s *Stack) WriteNotify() {
	s.Wake()
}

// Wake requests a loop turn. Safe to call from any goroutine; signals
// coalesce.
func (s *Stack) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WakeCh is the coalesced readiness channel consumed by the event loop's
// wait call.
func (s *Stack) WakeCh() <-chan struct{} {
	return s.wake
}

// Poll drains inbound frames from the link into the stack, flushes outbound
// frames the stack has produced, and fires due timers. It returns the
// soonest future time at which it must be called again even with no new
// input; ok is false when no deadline is pending. The returned deadline is
// never before now.
//
// Poll is cheap when nothing changed: with no frames queued and no due
// timers it touches nothing and produces nothing.
func (s *Stack) Poll(now time.Time) (deadline time.Time, ok bool) {
	s.pumpInbound()
	s.pumpOutbound()

	s.timers.fire(now)

	deadline, ok = s.timers.next()
	if ok && deadline.Before(now) {
		deadline = now
	}
	return deadline, ok
}

func (s *Stack) pumpInbound() {
	for {
		frame, err := s.link.RecvFrame()
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, ErrClosed) {
				s.logger.Warn("Failed to receive frame", slog.Any("error", err))
			}
			return
		}

		var protocolNumber tcpip.NetworkProtocolNumber
		switch header.IPVersion(frame) {
		case header.IPv4Version:
			protocolNumber = header.IPv4ProtocolNumber
		case header.IPv6Version:
			protocolNumber = header.IPv6ProtocolNumber
		default:
			continue
		}

		pkt := nstack.NewPacketBuffer(nstack.PacketBufferOptions{
			Payload: buffer.MakeWithData(frame),
		})
		s.ep.InjectInbound(protocolNumber, pkt)
	}
}

func (s *Stack) pumpOutbound() {
	// Frames deferred from an earlier poll go first, in order.
	for len(s.egress) > 0 {
		if err := s.sendFrame(s.egress[0]); err != nil {
			return
		}
		s.egress = s.egress[1:]
	}

	for {
		pkt := s.ep.Read()
		if pkt == nil {
			return
		}

		view := pkt.ToView()
		frame := make([]byte, view.Size())
		n, _ := view.Read(frame)
		view.Release()
		pkt.DecRef()

		if err := s.sendFrame(frame[:n]); err != nil {
			return
		}
	}
}

// sendFrame hands one frame to the link. On WouldBlock the frame is queued
// and a retry deadline is armed so the frame is not stranded until the next
// external event.
func (s *Stack) sendFrame(frame []byte) error {
	err := s.link.SendFrame(frame)
	if errors.Is(err, ErrWouldBlock) {
		s.egress = append(s.egress, frame)
		s.timers.schedule(time.Now().Add(egressRetryDelay), func(time.Time) {
			s.Wake()
		})
		return err
	} else if err != nil {
		s.logger.Warn("Failed to send frame", slog.Any("error", err))
		return err
	}
	return nil
}

// OpenSocket creates and registers a socket for the given options. TCP
// sockets with a remote endpoint begin connecting immediately; the handshake
// completes asynchronously and reads park until then.
func (s *Stack) OpenSocket(opts SocketOptions) (*Socket, error) {
	if len(s.sockets) >= s.maxSockets {
		return nil, ErrResourceExhausted
	}

	netProto := s.pickNetworkProtocol(opts)

	var (
		wq waiter.Queue
		ep tcpip.Endpoint
	)

	var tcpipErr tcpip.Error
	switch opts.Kind {
	case KindTCP:
		ep, tcpipErr = s.stack.NewEndpoint(tcp.ProtocolNumber, netProto, &wq)
	case KindUDP:
		ep, tcpipErr = s.stack.NewEndpoint(udp.ProtocolNumber, netProto, &wq)
	case KindICMP:
		tn := icmp.ProtocolNumber4
		if netProto == ipv6.ProtocolNumber {
			tn = icmp.ProtocolNumber6
		}
		ep, tcpipErr = s.stack.NewEndpoint(tn, netProto, &wq)
	case KindRaw:
		ep, tcpipErr = s.stack.NewRawEndpoint(tcpip.TransportProtocolNumber(opts.RawProtocol), netProto, &wq, true)
	default:
		return nil, ErrInvalidAddress
	}
	if tcpipErr != nil {
		return nil, translateError(tcpipErr)
	}

	sock := &Socket{
		kind:     opts.Kind,
		ep:       ep,
		wq:       &wq,
		netProto: netProto,
		refs:     1,
	}

	if err := s.configureSocket(sock, opts); err != nil {
		ep.Close()
		return nil, err
	}

	s.registerSocket(sock)
	return sock, nil
}

func (s *Stack) configureSocket(sock *Socket, opts SocketOptions) error {
	needBind := opts.Local.Port() != 0 || opts.Local.Addr().IsValid() ||
		(opts.Kind == KindUDP && !opts.Remote.Addr().IsValid())
	if needBind {
		local := tcpip.FullAddress{NIC: nicID, Port: opts.Local.Port()}
		if opts.Local.Addr().IsValid() && !opts.Local.Addr().IsUnspecified() {
			local.Addr = tcpip.AddrFromSlice(opts.Local.Addr().AsSlice())
		}
		if err := sock.ep.Bind(local); err != nil {
			return translateError(err)
		}
	}

	switch {
	case opts.Listen:
		if err := sock.ep.Listen(listenBacklog); err != nil {
			return translateError(err)
		}
		sock.listening = true

	case opts.Remote.Addr().IsValid():
		remote := util.FullAddrFrom(nicID, opts.Remote)

		if sock.kind == KindTCP {
			err := sock.ep.Connect(remote)
			if _, ok := err.(*tcpip.ErrConnectStarted); err != nil && !ok {
				return translateError(err)
			}
		} else {
			// Connectionless kinds keep the remote as the default write
			// destination rather than connecting, so duplicates can retarget
			// the shared socket.
			sock.remote = &remote
		}
	}

	return nil
}

// AdoptSocket registers an endpoint produced by a listening socket's accept
// queue as a new Established socket.
func (s *Stack) AdoptSocket(ep tcpip.Endpoint, wq *waiter.Queue) (*Socket, error) {
	if len(s.sockets) >= s.maxSockets {
		ep.Close()
		return nil, ErrResourceExhausted
	}

	sock := &Socket{
		kind:     KindTCP,
		ep:       ep,
		wq:       wq,
		netProto: header.IPv4ProtocolNumber,
		refs:     1,
	}
	s.registerSocket(sock)
	return sock, nil
}

func (s *Stack) registerSocket(sock *Socket) {
	s.nextSocket++
	sock.id = s.nextSocket

	// Readiness callbacks run on stack-internal goroutines; they only poke
	// the coalesced wake channel.
	sock.waitEntry = waiter.NewFunctionEntry(socketEvents, func(waiter.EventMask) {
		s.Wake()
	})
	sock.wq.EventRegister(&sock.waitEntry)

	s.sockets[sock.id] = sock
}

// RetainSocket adds a handle reference to the socket.
func (s *Stack) RetainSocket(sock *Socket) {
	sock.refs++
}

// ReleaseSocket drops one handle reference. When the last reference goes,
// teardown begins: the endpoint is closed (for TCP this starts the FIN
// sequence) and the socket stays registered until the stack reports full
// closure, at which point a reap timer removes it.
func (s *Stack) ReleaseSocket(sock *Socket) {
	sock.refs--
	if sock.refs > 0 {
		return
	}

	sock.wq.EventUnregister(&sock.waitEntry)
	sock.ep.Close()

	if sock.fullyClosed() {
		delete(s.sockets, sock.id)
		return
	}

	sock.state = socketClosing
	s.scheduleReap(sock)
}

func (s *Stack) scheduleReap(sock *Socket) {
	s.timers.schedule(time.Now().Add(closingReapInterval), func(time.Time) {
		if _, ok := s.sockets[sock.id]; !ok {
			return
		}
		if sock.fullyClosed() {
			s.logger.Debug("Reaped closed socket", slog.Uint64("socket", uint64(sock.id)))
			delete(s.sockets, sock.id)
			return
		}
		s.scheduleReap(sock)
	})
}

// SocketCount returns the number of registered sockets, including those
// still draining their close handshake.
func (s *Stack) SocketCount() int {
	return len(s.sockets)
}

func (s *Stack) pickNetworkProtocol(opts SocketOptions) tcpip.NetworkProtocolNumber {
	if opts.Remote.Addr().IsValid() && opts.Remote.Addr().Is6() {
		return ipv6.ProtocolNumber
	}
	if opts.Local.Addr().IsValid() && opts.Local.Addr().Is6() {
		return ipv6.ProtocolNumber
	}
	return ipv4.ProtocolNumber
}

// Close tears down the stack and every remaining socket.
func (s *Stack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for id, sock := range s.sockets {
		sock.wq.EventUnregister(&sock.waitEntry)
		sock.ep.Close()
		delete(s.sockets, id)
	}

	s.ep.RemoveNotify(s.notifyHandle)
	s.ep.Close()

	if s.stack.HasNIC(nicID) {
		if err := s.stack.RemoveNIC(nicID); err != nil {
			return fmt.Errorf("failed to remove NIC: %v", err)
		}
	}

	s.stack.Close()
	return nil
}
