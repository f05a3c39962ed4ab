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
	"net/netip"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func newTestStack(t *testing.T, conf *StackConfig) (*Stack, *timerQueue, Link) {
	t.Helper()

	link, peer := Pipe(1500, 16)
	t.Cleanup(func() { _ = link.Close() })

	timers := newTimerQueue()

	if conf == nil {
		conf = &StackConfig{
			Addresses: []netip.Prefix{netip.MustParsePrefix("100.64.0.1/32")},
		}
	}

	s, err := NewStack(slogt.New(t), link, timers, conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, timers, peer
}

func TestStackPoll(t *testing.T) {
	s, timers, peer := newTestStack(t, nil)
	now := time.Now()

	// No pending deadline with nothing scheduled.
	_, ok := s.Poll(now)
	require.False(t, ok)

	// The next deadline bounds the caller's wait.
	timers.schedule(now.Add(time.Hour), func(time.Time) {})
	deadline, ok := s.Poll(now)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Hour), deadline)

	// Due timers fire during the poll.
	var fired bool
	timers.schedule(now, func(time.Time) { fired = true })
	_, _ = s.Poll(now)
	require.True(t, fired)

	// A deadline already in the past clamps to now, never earlier.
	timers.schedule(now, func(time.Time) {
		timers.schedule(now.Add(-time.Second), func(time.Time) {})
	})
	deadline, ok = s.Poll(now)
	require.True(t, ok)
	require.Equal(t, now, deadline)

	// Non-IP frames on the link are dropped, not fatal.
	require.NoError(t, peer.SendFrame([]byte{0x00, 0x01, 0x02}))
	_, _ = s.Poll(now)
}

func TestStackWake(t *testing.T) {
	s, _, _ := newTestStack(t, nil)

	// Signals coalesce; repeated wakes never block.
	s.Wake()
	s.Wake()
	s.WriteNotify()

	select {
	case <-s.WakeCh():
	default:
		t.Fatal("expected wake signal")
	}

	select {
	case <-s.WakeCh():
		t.Fatal("signals must coalesce")
	default:
	}
}

func TestStackSocketRegistry(t *testing.T) {
	s, _, _ := newTestStack(t, nil)

	sock, err := s.OpenSocket(SocketOptions{
		Kind:  KindUDP,
		Local: netip.AddrPortFrom(netip.Addr{}, 5353),
	})
	require.NoError(t, err)
	require.Equal(t, KindUDP, sock.Kind())
	require.Equal(t, 1, s.SocketCount())

	local, err := sock.LocalAddress()
	require.NoError(t, err)
	require.Equal(t, uint16(5353), local.Port)

	// A second referent keeps the socket alive past the first release.
	s.RetainSocket(sock)
	s.ReleaseSocket(sock)
	require.Equal(t, 1, s.SocketCount())

	s.ReleaseSocket(sock)
	require.Equal(t, 0, s.SocketCount())
}

func TestStackSocketLimit(t *testing.T) {
	s, _, _ := newTestStack(t, &StackConfig{
		Addresses:  []netip.Prefix{netip.MustParsePrefix("100.64.0.1/32")},
		MaxSockets: 1,
	})

	sock, err := s.OpenSocket(SocketOptions{Kind: KindUDP, Local: netip.AddrPortFrom(netip.Addr{}, 7000)})
	require.NoError(t, err)

	_, err = s.OpenSocket(SocketOptions{Kind: KindUDP, Local: netip.AddrPortFrom(netip.Addr{}, 7001)})
	require.ErrorIs(t, err, ErrResourceExhausted)

	s.ReleaseSocket(sock)

	_, err = s.OpenSocket(SocketOptions{Kind: KindUDP, Local: netip.AddrPortFrom(netip.Addr{}, 7001)})
	require.NoError(t, err)
}
