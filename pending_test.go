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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func parkRead(p *pendingSet, h *Handle, now time.Time) *Request {
	req := NewRequest()
	req.Op = OpRead
	req.Handle = h.id
	p.park(h, req, now)
	return req
}

func TestPendingSetOrdering(t *testing.T) {
	timers := newTimerQueue()
	p := newPendingSet(timers)
	h := &Handle{id: 1}
	now := time.Now()

	first := parkRead(p, h, now)
	second := parkRead(p, h, now)
	require.Equal(t, 2, p.len())
	require.True(t, p.hasPending(h.id))

	// Retry never completes a later operation past an unsatisfiable earlier
	// one on the same handle.
	var attempts int
	p.retry(func(op *pendingOp) bool {
		attempts++
		return false
	})
	require.Equal(t, 1, attempts)
	require.Equal(t, 2, p.len())

	p.retry(func(op *pendingOp) bool {
		op.req.complete(Response{})
		return true
	})
	require.Equal(t, 0, p.len())
	require.False(t, p.hasPending(h.id))

	// Both completed, in order.
	<-first.Done()
	<-second.Done()
}

func TestPendingSetTimeout(t *testing.T) {
	timers := newTimerQueue()
	p := newPendingSet(timers)
	h := &Handle{id: 1, readTimeout: 50 * time.Millisecond}
	now := time.Now()

	first := parkRead(p, h, now)
	second := parkRead(p, h, now)

	// The deadline is armed from the handle's read timeout.
	deadline, ok := timers.next()
	require.True(t, ok)
	require.Equal(t, now.Add(50*time.Millisecond), deadline)

	timers.fire(now.Add(100 * time.Millisecond))

	resp := <-first.Done()
	require.ErrorIs(t, resp.Err, ErrTimeout)
	resp = <-second.Done()
	require.ErrorIs(t, resp.Err, ErrTimeout)

	// The expired ops are tombstones until the next retry pass drops them.
	require.Equal(t, 2, p.len())
	p.retry(func(op *pendingOp) bool {
		t.Fatal("settled op must not be re-attempted")
		return false
	})
	require.Equal(t, 0, p.len())
}

func TestPendingSetFailHandle(t *testing.T) {
	timers := newTimerQueue()
	p := newPendingSet(timers)
	h := &Handle{id: 1, readTimeout: time.Second}
	other := &Handle{id: 2}
	now := time.Now()

	parked := parkRead(p, h, now)
	unrelated := parkRead(p, other, now)

	p.failHandle(h.id, ErrClosed)

	resp := <-parked.Done()
	require.ErrorIs(t, resp.Err, ErrClosed)

	// The failed handle's timers are cancelled with it.
	require.Equal(t, 0, timers.len())

	// Other handles are untouched.
	require.Equal(t, 1, p.len())
	require.True(t, p.hasPending(other.id))

	select {
	case <-unrelated.Done():
		t.Fatal("unrelated op must stay parked")
	default:
	}
}

func TestPendingSetPartialWriteProgress(t *testing.T) {
	timers := newTimerQueue()
	p := newPendingSet(timers)
	h := &Handle{id: 1}
	now := time.Now()

	req := NewRequest()
	req.Op = OpWrite
	req.Handle = h.id
	req.Data = []byte("0123456789")
	op := p.park(h, req, now)
	op.written = 4

	p.failHandle(h.id, ErrClosed)

	// A write that dies mid-flight still reports the bytes it moved.
	resp := <-req.Done()
	require.ErrorIs(t, resp.Err, ErrClosed)
	require.Equal(t, 4, resp.Count)
}
