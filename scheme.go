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
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/strandnet/netd/internal/util"
)

// DispatcherConfig is the policy configuration of the scheme dispatcher.
type DispatcherConfig struct {
	// AllowedDestinations restricts opens with a remote endpoint to these
	// prefixes. Empty means no restriction.
	AllowedDestinations []netip.Prefix
	// DeniedDestinations rejects opens with a remote endpoint inside these
	// prefixes. Checked before AllowedDestinations.
	DeniedDestinations []netip.Prefix
	// AllowPrivilegedPorts permits binding local ports below 1024.
	AllowPrivilegedPorts bool
}

// Dispatcher translates client file-operation requests into handle table and
// stack operations. The protocol-specific addressing syntax embedded in open
// specs is decoded here, before any socket is created.
type Dispatcher struct {
	logger *slog.Logger
	stack  *Stack
	table  *HandleTable
	conf   DispatcherConfig
}

// NewDispatcher creates a dispatcher over the given stack and handle table.
func NewDispatcher(logger *slog.Logger, stack *Stack, table *HandleTable, conf DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		stack:  stack,
		table:  table,
		conf:   conf,
	}
}

// ParseSpec decodes the path-like addressing syntax of an open request:
//
//	proto/[remote]/[local]
//
// where proto is tcp, udp, icmp, or raw. Examples:
//
//	tcp/203.0.113.5:80      connect, auto-assigned local port
//	tcp//8080               listen on port 8080
//	udp//5353               bound datagram socket, no fixed remote
//	udp/198.51.100.9:53/68  connected datagram socket, local port 68
//	icmp/203.0.113.5        echo socket towards a host
//	raw/1                   raw IP socket, protocol number 1
//
// A local part of "0" (or absence) means auto-assign.
func ParseSpec(spec string) (SocketOptions, error) {
	var opts SocketOptions

	parts := strings.SplitN(spec, "/", 3)
	proto := parts[0]

	var remotePart, localPart string
	if len(parts) > 1 {
		remotePart = parts[1]
	}
	if len(parts) > 2 {
		localPart = parts[2]
	}

	switch proto {
	case "tcp":
		opts.Kind = KindTCP
	case "udp":
		opts.Kind = KindUDP
	case "icmp":
		opts.Kind = KindICMP
	case "raw":
		opts.Kind = KindRaw
	default:
		return opts, fmt.Errorf("%w: unknown protocol %q", ErrInvalidAddress, proto)
	}

	if opts.Kind == KindRaw {
		if remotePart == "" {
			return opts, fmt.Errorf("%w: raw spec needs an IP protocol number", ErrInvalidAddress)
		}
		n, err := strconv.ParseUint(remotePart, 10, 8)
		if err != nil {
			return opts, fmt.Errorf("%w: bad IP protocol number %q", ErrInvalidAddress, remotePart)
		}
		opts.RawProtocol = uint8(n)
		return opts, nil
	}

	if remotePart != "" {
		remote, err := parseEndpoint(remotePart, opts.Kind == KindICMP)
		if err != nil {
			return opts, err
		}
		opts.Remote = remote
	}

	if localPart != "" {
		local, err := parseEndpoint(localPart, false)
		if err != nil {
			return opts, err
		}
		opts.Local = local
	}

	// A TCP spec with no remote endpoint is a listen request.
	if opts.Kind == KindTCP && !opts.Remote.Addr().IsValid() {
		if opts.Local.Port() == 0 {
			return opts, fmt.Errorf("%w: listen spec needs a local port", ErrInvalidAddress)
		}
		opts.Listen = true
	}

	return opts, nil
}

// parseEndpoint accepts "host:port", a bare port, or (for ICMP) a bare host.
func parseEndpoint(s string, bareHost bool) (netip.AddrPort, error) {
	if bareHost {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: bad host %q", ErrInvalidAddress, s)
		}
		return netip.AddrPortFrom(addr, 0), nil
	}

	if addrPort, err := netip.ParseAddrPort(s); err == nil {
		return addrPort, nil
	}

	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad endpoint %q", ErrInvalidAddress, s)
	}
	return netip.AddrPortFrom(netip.Addr{}, uint16(port)), nil
}

// Open resolves an open spec into a registered socket plus a new handle.
func (d *Dispatcher) Open(spec string, owner string) (*Handle, error) {
	opts, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	if err := d.checkPolicy(opts); err != nil {
		return nil, err
	}

	sock, err := d.stack.OpenSocket(opts)
	if err != nil {
		return nil, err
	}

	h, err := d.table.Allocate(sock, ModeReadWrite)
	if err != nil {
		d.stack.ReleaseSocket(sock)
		return nil, err
	}
	h.owner = owner

	d.logger.Debug("Opened handle",
		slog.String("spec", spec),
		slog.Uint64("handle", uint64(h.id)),
		slog.Uint64("socket", uint64(sock.id)))

	return h, nil
}

func (d *Dispatcher) checkPolicy(opts SocketOptions) error {
	if port := opts.Local.Port(); port != 0 && port < 1024 && !d.conf.AllowPrivilegedPorts {
		return fmt.Errorf("%w: local port %d is privileged", ErrAccessDenied, port)
	}

	if remote := opts.Remote.Addr(); remote.IsValid() {
		for _, prefix := range d.conf.DeniedDestinations {
			if prefix.Contains(remote) {
				return fmt.Errorf("%w: destination %s is denied", ErrAccessDenied, remote)
			}
		}
		if len(d.conf.AllowedDestinations) > 0 {
			var allowed bool
			for _, prefix := range d.conf.AllowedDestinations {
				if prefix.Contains(remote) {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("%w: destination %s is not allowed", ErrAccessDenied, remote)
			}
		}
	}

	return nil
}

// Dup duplicates a handle. For connectionless handles a non-empty spec
// retargets the duplicate's default remote while the socket stays shared.
func (d *Dispatcher) Dup(h *Handle, spec string) (*Handle, error) {
	var newRemote *tcpip.FullAddress
	if spec != "" {
		addrPort, err := netip.ParseAddrPort(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: bad endpoint %q", ErrInvalidAddress, spec)
		}
		fa := util.FullAddrFrom(nicID, addrPort)
		newRemote = &fa
	}

	return d.table.Duplicate(h, newRemote)
}

// Control performs a control operation. Flag-only operations never touch the
// socket; protocol-specific ones go through endpoint socket options.
func (d *Dispatcher) Control(h *Handle, op ControlOp, arg []byte) ([]byte, error) {
	switch op {
	case CtlLocalAddr:
		addr, err := h.sock.LocalAddress()
		if err != nil {
			return nil, err
		}
		return formatAddr(h.sock, addr), nil

	case CtlRemoteAddr:
		// Duplicated handles may have retargeted their write destination.
		if h.remote != nil {
			return formatAddr(h.sock, *h.remote), nil
		}
		addr, err := h.sock.RemoteAddress()
		if err != nil {
			return nil, err
		}
		return formatAddr(h.sock, addr), nil

	case CtlSetNonblocking:
		if len(arg) < 1 {
			return nil, fmt.Errorf("%w: missing flag", ErrInvalidAddress)
		}
		h.nonblocking = arg[0] != 0
		return nil, nil

	case CtlGetTTL:
		v, tcpipErr := h.sock.ep.GetSockOptInt(ttlOption(h.sock))
		if tcpipErr != nil {
			return nil, translateError(tcpipErr)
		}
		return []byte{byte(v)}, nil

	case CtlSetTTL:
		if len(arg) < 1 {
			return nil, fmt.Errorf("%w: missing TTL", ErrInvalidAddress)
		}
		if tcpipErr := h.sock.ep.SetSockOptInt(ttlOption(h.sock), int(arg[0])); tcpipErr != nil {
			return nil, translateError(tcpipErr)
		}
		return nil, nil

	case CtlGetReadTimeout:
		return encodeDuration(h.readTimeout), nil

	case CtlSetReadTimeout:
		timeout, err := decodeDuration(arg)
		if err != nil {
			return nil, err
		}
		h.readTimeout = timeout
		return nil, nil

	case CtlGetWriteTimeout:
		return encodeDuration(h.writeTimeout), nil

	case CtlSetWriteTimeout:
		timeout, err := decodeDuration(arg)
		if err != nil {
			return nil, err
		}
		h.writeTimeout = timeout
		return nil, nil

	case CtlSetKeepalive:
		if h.sock.kind != KindTCP {
			return nil, ErrUnsupportedControl
		}
		if len(arg) < 1 {
			return nil, fmt.Errorf("%w: missing flag", ErrInvalidAddress)
		}
		h.sock.ep.SocketOptions().SetKeepAlive(arg[0] != 0)
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: op %d", ErrUnsupportedControl, op)
	}
}

// formatAddr renders an endpoint as "ip:port". An unbound address renders
// as the protocol's unspecified address rather than an invalid one.
func formatAddr(sock *Socket, addr tcpip.FullAddress) []byte {
	ap := util.AddrPortFrom(addr.Addr, addr.Port)
	if !ap.Addr().IsValid() {
		unspec := netip.IPv4Unspecified()
		if sock.netProto == header.IPv6ProtocolNumber {
			unspec = netip.IPv6Unspecified()
		}
		ap = netip.AddrPortFrom(unspec, addr.Port)
	}
	return []byte(ap.String())
}

func ttlOption(sock *Socket) tcpip.SockOptInt {
	if sock.netProto == header.IPv6ProtocolNumber {
		return tcpip.IPv6HopLimitOption
	}
	return tcpip.IPv4TTLOption
}

func encodeDuration(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(d))
	return buf
}

func decodeDuration(arg []byte) (time.Duration, error) {
	if len(arg) < 8 {
		return 0, fmt.Errorf("%w: bad duration", ErrInvalidAddress)
	}
	return time.Duration(binary.BigEndian.Uint64(arg)), nil
}
