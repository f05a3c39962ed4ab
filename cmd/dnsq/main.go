// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/* Package main is a small DNS lookup tool that resolves names through a
 * running netd daemon, instead of the host's own sockets.
 *
 * For example:
 *
 *  $ dnsq -server 1.1.1.1 example.com
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/miekg/dns"
	"github.com/strandnet/netd"
)

func main() {
	var (
		socketPath = flag.String("socket", "/run/netd.sock", "path of the daemon's control socket")
		server     = flag.String("server", "1.1.1.1", "DNS server to query")
		qtype      = flag.String("type", "A", "record type to query (A, AAAA, MX, TXT, ...)")
		timeout    = flag.Duration("timeout", 5*time.Second, "query timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dnsq [flags] <name>")
		os.Exit(1)
	}
	name := dns.Fqdn(flag.Arg(0))

	rrType, ok := dns.StringToType[*qtype]
	if !ok {
		logger.Error("Unknown record type", slog.String("type", *qtype))
		os.Exit(1)
	}

	if err := query(logger, *socketPath, *server, name, rrType, *timeout); err != nil {
		logger.Error("Query failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func query(logger *slog.Logger, socketPath, server, name string, rrType uint16, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := netd.DialControl("unix", socketPath)
	if err != nil {
		return err
	}
	defer client.Shutdown()

	h, err := client.Open(ctx, fmt.Sprintf("udp/%s:53", server))
	if err != nil {
		return fmt.Errorf("failed to open handle: %w", err)
	}
	defer client.Close(context.WithoutCancel(ctx), h)

	if err := client.SetReadTimeout(ctx, h, timeout); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, rrType)
	msg.RecursionDesired = true

	packed, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack query: %w", err)
	}

	if _, err := client.Write(ctx, h, packed); err != nil {
		return fmt.Errorf("failed to send query: %w", err)
	}

	raw, err := client.Read(ctx, h, dns.MaxMsgSize)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(raw); err != nil {
		return fmt.Errorf("failed to unpack response: %w", err)
	}

	if reply.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("server returned %s", dns.RcodeToString[reply.Rcode])
	}

	for _, rr := range reply.Answer {
		fmt.Println(rr.String())
	}
	if len(reply.Answer) == 0 {
		logger.Info("No answers")
	}

	return nil
}
