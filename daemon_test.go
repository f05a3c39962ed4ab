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
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"
)

// daemonPair is a pair of daemons joined back to back by a frame pipe, each
// running its event loop. One plays the client-side network, the other the
// remote peer.
type daemonPair struct {
	a, b *Daemon
	stop func()
}

func startDaemonPair(t *testing.T) *daemonPair {
	t.Helper()

	logger := slogt.New(t)

	linkA, linkB := Pipe(1500, 256)
	t.Cleanup(func() { _ = linkA.Close() })

	daemonA, err := NewDaemon(logger.With(slog.String("daemon", "a")), linkA, &DaemonConfig{
		Addresses: []netip.Prefix{netip.MustParsePrefix("100.64.0.1/32")},
	})
	require.NoError(t, err)

	daemonB, err := NewDaemon(logger.With(slog.String("daemon", "b")), linkB, &DaemonConfig{
		Addresses: []netip.Prefix{netip.MustParsePrefix("100.64.0.2/32")},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, d := range []*Daemon{daemonA, daemonB} {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Serve(ctx); err != nil {
				t.Errorf("event loop failed: %v", err)
			}
		}()
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			_ = daemonA.Close()
			_ = daemonB.Close()
		})
	}
	t.Cleanup(stop)

	return &daemonPair{a: daemonA, b: daemonB, stop: stop}
}

func doRequest(t *testing.T, d *Daemon, req *Request) Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := d.Do(ctx, req)
	require.NoError(t, err)
	return resp
}

func openHandle(t *testing.T, d *Daemon, spec string) HandleID {
	t.Helper()

	req := NewRequest()
	req.Op = OpOpen
	req.Spec = spec
	req.Owner = "test"

	resp := doRequest(t, d, req)
	require.NoError(t, resp.Err)
	require.NotZero(t, resp.Handle)
	return resp.Handle
}

func readHandle(t *testing.T, d *Daemon, h HandleID, maxLen int) Response {
	t.Helper()

	req := NewRequest()
	req.Op = OpRead
	req.Handle = h
	req.MaxLen = maxLen
	return doRequest(t, d, req)
}

func writeHandle(t *testing.T, d *Daemon, h HandleID, data []byte) Response {
	t.Helper()

	req := NewRequest()
	req.Op = OpWrite
	req.Handle = h
	req.Data = data
	return doRequest(t, d, req)
}

func closeHandle(t *testing.T, d *Daemon, h HandleID) {
	t.Helper()

	req := NewRequest()
	req.Op = OpClose
	req.Handle = h
	resp := doRequest(t, d, req)
	require.NoError(t, resp.Err)
}

func controlHandle(t *testing.T, d *Daemon, h HandleID, op ControlOp, arg []byte) Response {
	t.Helper()

	req := NewRequest()
	req.Op = OpControl
	req.Handle = h
	req.Control = op
	req.Data = arg
	return doRequest(t, d, req)
}

func TestDaemonTCP(t *testing.T) {
	pair := startDaemonPair(t)

	listener := openHandle(t, pair.b, "tcp//8080")

	// Nothing to accept yet.
	resp := controlHandle(t, pair.b, listener, CtlSetNonblocking, []byte{1})
	require.NoError(t, resp.Err)
	earlyAccept := NewRequest()
	earlyAccept.Op = OpAccept
	earlyAccept.Handle = listener
	require.ErrorIs(t, doRequest(t, pair.b, earlyAccept).Err, ErrWouldBlock)
	resp = controlHandle(t, pair.b, listener, CtlSetNonblocking, []byte{0})
	require.NoError(t, resp.Err)

	conn := openHandle(t, pair.a, "tcp/100.64.0.2:8080")

	// Accept parks until the handshake lands.
	acceptReq := NewRequest()
	acceptReq.Op = OpAccept
	acceptReq.Handle = listener
	acceptResp := doRequest(t, pair.b, acceptReq)
	require.NoError(t, acceptResp.Err)
	accepted := acceptResp.Handle
	require.NotZero(t, accepted)

	// Client to server.
	resp = writeHandle(t, pair.a, conn, []byte("hello world"))
	require.NoError(t, resp.Err)
	require.Equal(t, len("hello world"), resp.Count)

	resp = readHandle(t, pair.b, accepted, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("hello world"), resp.Data)

	// Server to client.
	resp = writeHandle(t, pair.b, accepted, []byte("ack"))
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.a, conn, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("ack"), resp.Data)

	// Peer close surfaces as end of stream once buffered data is drained.
	closeHandle(t, pair.b, accepted)

	resp = readHandle(t, pair.a, conn, 1024)
	require.ErrorIs(t, resp.Err, ErrEndOfStream)

	closeHandle(t, pair.a, conn)
	closeHandle(t, pair.b, listener)
}

func TestDaemonTCPConnectionRefused(t *testing.T) {
	pair := startDaemonPair(t)

	// Open never blocks: the handshake proceeds asynchronously and the
	// refusal surfaces on the first operation.
	conn := openHandle(t, pair.a, "tcp/100.64.0.2:9999")

	resp := readHandle(t, pair.a, conn, 1024)
	require.ErrorIs(t, resp.Err, ErrConnectionRefused)

	closeHandle(t, pair.a, conn)
}

func TestDaemonTCPBulkTransfer(t *testing.T) {
	pair := startDaemonPair(t)

	listener := openHandle(t, pair.b, "tcp//8081")
	conn := openHandle(t, pair.a, "tcp/100.64.0.2:8081")

	acceptReq := NewRequest()
	acceptReq.Op = OpAccept
	acceptReq.Handle = listener
	acceptResp := doRequest(t, pair.b, acceptReq)
	require.NoError(t, acceptResp.Err)
	accepted := acceptResp.Handle

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	// The write may exceed the socket's send buffer; it parks and drains as
	// the reader makes room.
	writeDone := make(chan Response, 1)
	go func() {
		writeDone <- writeHandle(t, pair.a, conn, payload)
	}()

	var received []byte
	for len(received) < len(payload) {
		resp := readHandle(t, pair.b, accepted, 64*1024)
		require.NoError(t, resp.Err)
		received = append(received, resp.Data...)
	}

	resp := <-writeDone
	require.NoError(t, resp.Err)
	require.Equal(t, len(payload), resp.Count)
	require.Equal(t, payload, received)

	closeHandle(t, pair.a, conn)
	closeHandle(t, pair.b, accepted)
	closeHandle(t, pair.b, listener)
}

func TestDaemonUDP(t *testing.T) {
	pair := startDaemonPair(t)

	bound := openHandle(t, pair.b, "udp//5353")
	sender := openHandle(t, pair.a, "udp/100.64.0.2:5353")

	resp := writeHandle(t, pair.a, sender, []byte("ping"))
	require.NoError(t, resp.Err)
	require.Equal(t, 4, resp.Count)

	resp = readHandle(t, pair.b, bound, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("ping"), resp.Data)

	// The bound handle has no remote; replies go to the last datagram's
	// source.
	resp = writeHandle(t, pair.b, bound, []byte("pong"))
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.a, sender, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("pong"), resp.Data)

	closeHandle(t, pair.a, sender)
	closeHandle(t, pair.b, bound)
}

func TestDaemonUDPWriteWithoutDestination(t *testing.T) {
	pair := startDaemonPair(t)

	// Bound but never read from: no default remote and no reply-to source.
	bound := openHandle(t, pair.a, "udp//6100")

	resp := writeHandle(t, pair.a, bound, []byte("lost"))
	require.ErrorIs(t, resp.Err, ErrInvalidAddress)

	closeHandle(t, pair.a, bound)
}

func TestDaemonAddressInUse(t *testing.T) {
	pair := startDaemonPair(t)

	bound := openHandle(t, pair.a, "udp//6200")

	req := NewRequest()
	req.Op = OpOpen
	req.Spec = "udp//6200"
	req.Owner = "test"
	resp := doRequest(t, pair.a, req)
	require.ErrorIs(t, resp.Err, ErrAddressInUse)

	closeHandle(t, pair.a, bound)
}

func TestDaemonNonblocking(t *testing.T) {
	pair := startDaemonPair(t)

	bound := openHandle(t, pair.a, "udp//6300")

	resp := controlHandle(t, pair.a, bound, CtlSetNonblocking, []byte{1})
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.a, bound, 1024)
	require.ErrorIs(t, resp.Err, ErrWouldBlock)

	closeHandle(t, pair.a, bound)
}

func TestDaemonReadTimeout(t *testing.T) {
	pair := startDaemonPair(t)

	bound := openHandle(t, pair.a, "udp//6400")

	resp := controlHandle(t, pair.a, bound, CtlSetReadTimeout, encodeDuration(50*time.Millisecond))
	require.NoError(t, resp.Err)

	start := time.Now()
	resp = readHandle(t, pair.a, bound, 1024)
	require.ErrorIs(t, resp.Err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// The timeout only bounds parked operations; the handle stays usable.
	resp = controlHandle(t, pair.a, bound, CtlGetReadTimeout, nil)
	require.NoError(t, resp.Err)
	timeout, err := decodeDuration(resp.Data)
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, timeout)

	closeHandle(t, pair.a, bound)
}

func TestDaemonCloseReleasesParked(t *testing.T) {
	pair := startDaemonPair(t)

	bound := openHandle(t, pair.a, "udp//6500")

	readDone := make(chan Response, 1)
	go func() {
		readDone <- readHandle(t, pair.a, bound, 1024)
	}()

	// Give the read a moment to park.
	time.Sleep(100 * time.Millisecond)
	closeHandle(t, pair.a, bound)

	resp := <-readDone
	require.ErrorIs(t, resp.Err, ErrClosed)
}

func TestDaemonDup(t *testing.T) {
	pair := startDaemonPair(t)

	binA := openHandle(t, pair.b, "udp//6600")
	binB := openHandle(t, pair.b, "udp//6601")

	orig := openHandle(t, pair.a, "udp/100.64.0.2:6600")

	dupReq := NewRequest()
	dupReq.Op = OpDup
	dupReq.Handle = orig
	dupReq.Spec = "100.64.0.2:6601"
	dupResp := doRequest(t, pair.a, dupReq)
	require.NoError(t, dupResp.Err)
	dup := dupResp.Handle
	require.NotEqual(t, orig, dup)

	// The duplicate retargeted its destination; the original kept its own.
	resp := controlHandle(t, pair.a, orig, CtlRemoteAddr, nil)
	require.NoError(t, resp.Err)
	require.Equal(t, "100.64.0.2:6600", string(resp.Data))

	resp = controlHandle(t, pair.a, dup, CtlRemoteAddr, nil)
	require.NoError(t, resp.Err)
	require.Equal(t, "100.64.0.2:6601", string(resp.Data))

	resp = writeHandle(t, pair.a, orig, []byte("to-6600"))
	require.NoError(t, resp.Err)
	resp = writeHandle(t, pair.a, dup, []byte("to-6601"))
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.b, binA, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("to-6600"), resp.Data)

	resp = readHandle(t, pair.b, binB, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("to-6601"), resp.Data)

	// The socket is shared: closing the original leaves the duplicate live.
	closeHandle(t, pair.a, orig)

	resp = writeHandle(t, pair.a, dup, []byte("still alive"))
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.b, binB, 1024)
	require.NoError(t, resp.Err)
	require.Equal(t, []byte("still alive"), resp.Data)

	closeHandle(t, pair.a, dup)
	closeHandle(t, pair.b, binA)
	closeHandle(t, pair.b, binB)
}

func TestDaemonICMPEcho(t *testing.T) {
	pair := startDaemonPair(t)

	pinger := openHandle(t, pair.a, "icmp/100.64.0.2")

	echo := header.ICMPv4(make([]byte, header.ICMPv4MinimumSize+4))
	echo.SetType(header.ICMPv4Echo)
	echo.SetIdent(42)
	echo.SetSequence(1)

	resp := writeHandle(t, pair.a, pinger, echo)
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.a, pinger, 1024)
	require.NoError(t, resp.Err)
	require.GreaterOrEqual(t, len(resp.Data), header.ICMPv4MinimumSize)
	require.Equal(t, header.ICMPv4EchoReply, header.ICMPv4(resp.Data).Type())

	closeHandle(t, pair.a, pinger)
}

func TestDaemonRawSocket(t *testing.T) {
	pair := startDaemonPair(t)

	// Protocol 1 is ICMP: the raw handle observes the inbound echo request.
	sniffer := openHandle(t, pair.b, "raw/1")
	pinger := openHandle(t, pair.a, "icmp/100.64.0.2")

	echo := header.ICMPv4(make([]byte, header.ICMPv4MinimumSize))
	echo.SetType(header.ICMPv4Echo)
	echo.SetIdent(7)
	echo.SetSequence(1)

	resp := writeHandle(t, pair.a, pinger, echo)
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.b, sniffer, 2048)
	require.NoError(t, resp.Err)
	require.NotEmpty(t, resp.Data)

	closeHandle(t, pair.b, sniffer)
	closeHandle(t, pair.a, pinger)
}

func TestDaemonOwnerRelease(t *testing.T) {
	pair := startDaemonPair(t)

	req := NewRequest()
	req.Op = OpOpen
	req.Spec = "udp//6700"
	req.Owner = "doomed-conn"
	resp := doRequest(t, pair.a, req)
	require.NoError(t, resp.Err)
	h := resp.Handle

	release := NewRequest()
	release.Op = opReleaseOwner
	release.Owner = "doomed-conn"
	resp = doRequest(t, pair.a, release)
	require.NoError(t, resp.Err)

	resp = readHandle(t, pair.a, h, 1024)
	require.ErrorIs(t, resp.Err, ErrNotFound)
}

func TestDaemonAccounting(t *testing.T) {
	pair := startDaemonPair(t)

	h1 := openHandle(t, pair.a, "udp//6800")
	h2 := openHandle(t, pair.a, "udp//6801")

	dupReq := NewRequest()
	dupReq.Op = OpDup
	dupReq.Handle = h1
	dupResp := doRequest(t, pair.a, dupReq)
	require.NoError(t, dupResp.Err)

	closeHandle(t, pair.a, h1)
	closeHandle(t, pair.a, h2)
	closeHandle(t, pair.a, dupResp.Handle)

	// Inspect the registries only once the loop has stopped.
	pair.stop()

	require.Equal(t, 0, pair.a.table.HandleCount())
	require.Equal(t, 0, pair.a.stack.SocketCount())
}

func TestDaemonUnknownHandle(t *testing.T) {
	pair := startDaemonPair(t)

	resp := readHandle(t, pair.a, 9999, 16)
	require.ErrorIs(t, resp.Err, ErrNotFound)

	req := NewRequest()
	req.Op = OpClose
	req.Handle = 9999
	resp = doRequest(t, pair.a, req)
	require.ErrorIs(t, resp.Err, ErrNotFound)
}
