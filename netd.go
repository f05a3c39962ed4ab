// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package netd implements a userspace network-stack daemon. It owns a
// software TCP/IP stack driven against a link device and exposes the network
// to clients through addressable resource handles (raw, icmp, udp, tcp)
// served by a single-threaded, non-blocking event loop.
package netd

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/strandnet/netd/internal/util"
)

// DaemonConfig is the configuration for the daemon.
type DaemonConfig struct {
	// Addresses is a list of IP addresses/prefixes to assign to the
	// interface.
	Addresses []netip.Prefix
	// HandleLocal indicates whether packets destined to their source should
	// be handled by the stack internally (true) or sent out the link
	// (false).
	HandleLocal *bool
	// MaxSockets bounds the socket registry.
	MaxSockets *int
	// MaxHandles bounds the handle table.
	MaxHandles *int
	// AllowedDestinations restricts remote endpoints to these prefixes.
	// Empty means unrestricted.
	AllowedDestinations []netip.Prefix
	// DeniedDestinations rejects remote endpoints inside these prefixes.
	DeniedDestinations []netip.Prefix
	// AllowPrivilegedPorts permits local ports below 1024.
	AllowPrivilegedPorts *bool
	// RequestQueueSize is the capacity of the control channel's request
	// queue.
	RequestQueueSize *int
}

// Default values (if not set).
var defaultDaemonConf = DaemonConfig{
	HandleLocal: util.PointerTo(false),
	DeniedDestinations: []netip.Prefix{
		// Deny loopback traffic.
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	},
	MaxSockets:           util.PointerTo(1024),
	MaxHandles:           util.PointerTo(1024),
	AllowPrivilegedPorts: util.PointerTo(false),
	RequestQueueSize:     util.PointerTo(128),
}

// Daemon multiplexes client handles onto the stack's socket set. It is the
// sole owner of the stack and the link; clients reach the network only
// through requests posted to the daemon's control channel.
type Daemon struct {
	logger *slog.Logger
	link   Link

	stack      *Stack
	table      *HandleTable
	dispatcher *Dispatcher
	timers     *timerQueue
	pending    *pendingSet

	requests chan *Request
}

// NewDaemon assembles a daemon over the given link. The returned daemon does
// nothing until Serve runs its event loop.
func NewDaemon(logger *slog.Logger, link Link, conf *DaemonConfig) (*Daemon, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultDaemonConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	timers := newTimerQueue()

	stack, err := NewStack(logger, link, timers, &StackConfig{
		Addresses:   conf.Addresses,
		HandleLocal: *conf.HandleLocal,
		MaxSockets:  *conf.MaxSockets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stack: %w", err)
	}

	table := NewHandleTable(logger, stack, *conf.MaxHandles)

	d := &Daemon{
		logger:     logger,
		link:       link,
		stack:      stack,
		table:      table,
		timers:     timers,
		pending:    newPendingSet(timers),
		requests:   make(chan *Request, *conf.RequestQueueSize),
		dispatcher: NewDispatcher(logger, stack, table, DispatcherConfig{
			AllowedDestinations:  conf.AllowedDestinations,
			DeniedDestinations:   conf.DeniedDestinations,
			AllowPrivilegedPorts: *conf.AllowPrivilegedPorts,
		}),
	}

	return d, nil
}

// Close tears down the stack. Call after Serve has returned.
func (d *Daemon) Close() error {
	return d.stack.Close()
}
