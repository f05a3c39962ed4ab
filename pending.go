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
	"time"

	"github.com/eapache/queue"
)

// pendingOp is a parked client request: a read, write, or accept that could
// not complete immediately. It lives in its handle's FIFO until satisfied,
// timed out, or failed by the handle closing.
type pendingOp struct {
	req *Request
	h   *Handle

	// written accumulates the bytes a parked write has already handed to
	// the socket, so re-attempts continue from the unwritten remainder.
	written int

	// timeout is the timer bounding this operation, or zero when the handle
	// has no timeout configured for the operation kind.
	timeout timerID

	settled bool
}

// pendingSet holds every parked operation, keyed by handle with per-handle
// FIFO order. Requests from a single handle complete in the order issued;
// there is no ordering guarantee across handles. Loop-goroutine only.
type pendingSet struct {
	byHandle map[HandleID]*queue.Queue
	timers   *timerQueue
	count    int
}

func newPendingSet(timers *timerQueue) *pendingSet {
	return &pendingSet{
		byHandle: make(map[HandleID]*queue.Queue),
		timers:   timers,
	}
}

// park appends the request to its handle's FIFO, arming the handle's
// timeout for the operation kind if one is set.
func (p *pendingSet) park(h *Handle, req *Request, now time.Time) *pendingOp {
	op := &pendingOp{req: req, h: h}

	var timeout time.Duration
	switch req.Op {
	case OpRead, OpAccept:
		timeout = h.readTimeout
	case OpWrite:
		timeout = h.writeTimeout
	}
	if timeout > 0 {
		op.timeout = p.timers.schedule(now.Add(timeout), func(time.Time) {
			p.expire(op)
		})
	}

	q, ok := p.byHandle[h.id]
	if !ok {
		q = queue.New()
		p.byHandle[h.id] = q
	}
	q.Add(op)
	p.count++
	return op
}

// hasPending reports whether the handle has parked operations. New requests
// for such a handle must queue behind them to preserve per-handle ordering.
func (p *pendingSet) hasPending(id HandleID) bool {
	q, ok := p.byHandle[id]
	return ok && q.Length() > 0
}

// len returns the number of parked operations.
func (p *pendingSet) len() int {
	return p.count
}

// retry re-attempts parked operations front-to-back within each handle,
// stopping at the first still-unsatisfiable one so per-handle order is
// preserved. attempt reports whether the operation completed (in which case
// it has delivered the response).
func (p *pendingSet) retry(attempt func(op *pendingOp) bool) {
	for id, q := range p.byHandle {
		for q.Length() > 0 {
			op := q.Peek().(*pendingOp)
			if op.settled {
				// Settled out of band (timeout or close); just drop it.
				q.Remove()
				p.count--
				continue
			}
			if !attempt(op) {
				break
			}
			p.settle(op)
			q.Remove()
			p.count--
		}
		if q.Length() == 0 {
			delete(p.byHandle, id)
		}
	}
}

// failHandle completes every parked operation of the handle with err. Used
// when a handle closes while operations are parked: they resolve
// immediately with a closed-resource outcome, never stay parked.
func (p *pendingSet) failHandle(id HandleID, err error) {
	q, ok := p.byHandle[id]
	if !ok {
		return
	}
	for q.Length() > 0 {
		op := q.Remove().(*pendingOp)
		p.count--
		if op.settled {
			continue
		}
		p.settle(op)
		op.req.complete(Response{Count: op.written, Err: err})
	}
	delete(p.byHandle, id)
}

// expire times out a single parked operation. The op stays in its queue
// until the next retry pass drops it; marking it settled keeps its handle's
// later operations ordered behind where it stood.
func (p *pendingSet) expire(op *pendingOp) {
	if op.settled {
		return
	}
	op.settled = true
	op.timeout = 0
	op.req.complete(Response{Count: op.written, Err: ErrTimeout})
}

func (p *pendingSet) settle(op *pendingOp) {
	if op.timeout != 0 {
		p.timers.cancel(op.timeout)
		op.timeout = 0
	}
	op.settled = true
}
