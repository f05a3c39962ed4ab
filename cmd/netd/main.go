//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/* Package main runs the userspace network daemon.
 *
 * You will need to run this program with CAP_NET_ADMIN capabilities to create
 * the TUN interface.
 *
 * For example:
 *
 *  $ go build -o netd ./cmd/netd
 *  $ sudo setcap cap_net_admin=+ep ./netd
 *  $ ./netd -addr 172.21.248.1/24
 *
 * Clients then open network handles over the control socket:
 *
 *  $ netd -socket /run/netd.sock
 */
package main

import (
	"context"
	"flag"
	"fmt"
	stdnet "net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"log/slog"

	"github.com/strandnet/netd"
	"github.com/strandnet/netd/tun"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
)

type prefixList []netip.Prefix

func (l *prefixList) String() string {
	parts := make([]string, len(*l))
	for i, p := range *l {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func (l *prefixList) Set(value string) error {
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return err
	}
	*l = append(*l, prefix)
	return nil
}

func main() {
	var (
		ifaceName       = flag.String("iface", "netd0", "name of the TUN interface to create")
		mtu             = flag.Int("mtu", tun.DefaultMTU, "MTU of the TUN interface")
		socketPath      = flag.String("socket", "/run/netd.sock", "path of the control socket")
		logLevel        = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		allowPrivileged = flag.Bool("allow-privileged-ports", false, "allow unprivileged clients to bind ports below 1024")
		addresses       prefixList
		allowed         prefixList
		denied          prefixList
	)
	flag.Var(&addresses, "addr", "IP address/prefix to assign to the interface (repeatable)")
	flag.Var(&allowed, "allow", "restrict remote endpoints to this prefix (repeatable)")
	flag.Var(&denied, "deny", "reject remote endpoints inside this prefix (repeatable)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if len(addresses) == 0 {
		logger.Error("At least one -addr is required")
		os.Exit(1)
	}

	if err := run(logger, *ifaceName, *mtu, *socketPath, addresses, allowed, denied, *allowPrivileged); err != nil {
		logger.Error("Daemon failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, ifaceName string, mtu int, socketPath string,
	addresses, allowed, denied []netip.Prefix, allowPrivileged bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Creating TUN interface", slog.String("name", ifaceName))

	nic, err := tun.CreateTUN(logger, ifaceName, mtu)
	if err != nil {
		return fmt.Errorf("failed to create TUN interface: %w", err)
	}
	defer nic.Close()

	if err := configureInterface(ifaceName, addresses); err != nil {
		return fmt.Errorf("failed to configure interface: %w", err)
	}

	logger.Info("Initializing userspace network stack")

	daemon, err := netd.NewDaemon(logger, nic, &netd.DaemonConfig{
		Addresses:            addresses,
		AllowedDestinations:  allowed,
		DeniedDestinations:   denied,
		AllowPrivilegedPorts: &allowPrivileged,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer daemon.Close()

	// Stale socket from an unclean shutdown.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}

	lis, err := stdnet.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	defer os.Remove(socketPath)

	logger.Info("Listening for clients", slog.String("socket", socketPath))

	tasks, ctx := errgroup.WithContext(ctx)

	tasks.Go(func() error {
		return daemon.Serve(ctx)
	})

	tasks.Go(func() error {
		srv := netd.NewServer(logger, daemon)
		return srv.Serve(ctx, lis)
	})

	return tasks.Wait()
}

// configureInterface assigns the stack's addresses to the TUN device and
// brings it up, so the host routes traffic for them through the daemon.
func configureInterface(name string, addresses []netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %q: %w", name, err)
	}

	for _, prefix := range addresses {
		addr, err := netlink.ParseAddr(prefix.String())
		if err != nil {
			return fmt.Errorf("failed to parse address %q: %w", prefix, err)
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("failed to assign address %q: %w", prefix, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring link up: %w", err)
	}

	return nil
}
