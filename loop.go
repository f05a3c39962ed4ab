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
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// opReleaseOwner is an internal request that releases every handle tagged
// with the request's owner. Posted when a control connection drops.
const opReleaseOwner Op = 0xff

// Serve runs the event loop until ctx is cancelled or the link fails. The
// loop is the daemon's single thread of control: it multiplexes the control
// channel, link readiness, stack readiness, and timer deadlines into one
// wait call, and it is the only goroutine that mutates the socket registry,
// handle table, and pending set.
func (d *Daemon) Serve(ctx context.Context) error {
	d.logger.Debug("Event loop started")
	defer d.logger.Debug("Event loop finished")

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		// Let the stack react to whatever woke us, then complete any parked
		// operations that became satisfiable before accepting new requests.
		d.stack.Poll(time.Now())
		d.retryPending()

		// Dequeue requests that are already waiting, without blocking.
	drain:
		for {
			select {
			case req := <-d.requests:
				d.dispatch(req, time.Now())
			default:
				break drain
			}
		}

		// Dispatched requests may have mutated socket buffers; poll again so
		// the stack reacts now rather than on the next external trigger.
		deadline, hasDeadline := d.stack.Poll(time.Now())
		d.retryPending()

		var timerC <-chan time.Time
		if hasDeadline {
			timer.Reset(time.Until(deadline))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case req := <-d.requests:
			d.dispatch(req, time.Now())

		case <-d.stack.WakeCh():
			// Socket readiness changed or the stack queued outbound frames.

		case _, open := <-d.link.Readable():
			if !open {
				d.shutdown()
				return fmt.Errorf("link closed: %w", ErrClosed)
			}

		case <-timerC:
			timerC = nil
		}

		if timerC != nil && !timer.Stop() {
			<-timer.C
		}
	}
}

// shutdown fails everything still parked or queued so no client waits on a
// daemon that is gone.
func (d *Daemon) shutdown() {
	for id := range d.pending.byHandle {
		d.pending.failHandle(id, ErrClosed)
	}

	for {
		select {
		case req := <-d.requests:
			req.complete(Response{Err: ErrClosed})
		default:
			return
		}
	}
}

// Submit posts a request to the control channel. It blocks only when the
// request queue is full.
func (d *Daemon) Submit(ctx context.Context, req *Request) error {
	select {
	case d.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do posts a request and waits for its completion.
func (d *Daemon) Do(ctx context.Context, req *Request) (Response, error) {
	if err := d.Submit(ctx, req); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-req.Done():
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// dispatch resolves one client request. Open, close, dup, and control
// requests always complete immediately; read, write, and accept requests
// park as pending operations when unsatisfiable on a blocking handle.
func (d *Daemon) dispatch(req *Request, now time.Time) {
	switch req.Op {
	case OpOpen:
		h, err := d.dispatcher.Open(req.Spec, req.Owner)
		if err != nil {
			req.complete(Response{Err: err})
			return
		}
		req.complete(Response{Handle: h.id})

	case OpClose:
		req.complete(Response{Err: d.closeHandle(req.Handle)})

	case OpDup:
		h, err := d.table.Lookup(req.Handle)
		if err != nil {
			req.complete(Response{Err: err})
			return
		}
		dup, err := d.dispatcher.Dup(h, req.Spec)
		if err != nil {
			req.complete(Response{Err: err})
			return
		}
		req.complete(Response{Handle: dup.id})

	case OpControl:
		h, err := d.table.Lookup(req.Handle)
		if err != nil {
			req.complete(Response{Err: err})
			return
		}
		data, err := d.dispatcher.Control(h, req.Control, req.Data)
		req.complete(Response{Data: data, Err: err})

	case OpRead, OpWrite, OpAccept:
		h, err := d.table.Lookup(req.Handle)
		if err != nil {
			req.complete(Response{Err: err})
			return
		}

		if d.pending.hasPending(h.id) {
			if h.nonblocking {
				// Completing now would reorder this handle's operations.
				req.complete(Response{Err: ErrWouldBlock})
				return
			}
			d.pending.park(h, req, now)
			return
		}

		op := &pendingOp{req: req, h: h}
		if d.attempt(op) {
			return
		}
		if h.nonblocking {
			req.complete(Response{Count: op.written, Err: ErrWouldBlock})
			return
		}
		parked := d.pending.park(h, req, now)
		parked.written = op.written

	case opReleaseOwner:
		for _, h := range d.table.handlesOwnedBy(req.Owner) {
			if err := d.closeHandle(h.id); err != nil {
				d.logger.Warn("Failed to release handle",
					slog.Uint64("handle", uint64(h.id)),
					slog.Any("error", err))
			}
		}
		req.complete(Response{})

	default:
		req.complete(Response{Err: fmt.Errorf("%w: op %d", ErrUnsupportedControl, req.Op)})
	}
}

// closeHandle releases the handle and immediately completes its parked
// operations with a closed-resource outcome.
func (d *Daemon) closeHandle(id HandleID) error {
	_, err := d.table.Release(id)
	if err != nil {
		return err
	}
	d.pending.failHandle(id, ErrClosed)
	return nil
}

// retryPending re-attempts every parked operation whose socket state may
// have changed. Handle counts are modest; attempting everything each turn
// keeps the bookkeeping simple and within-handle order exact.
func (d *Daemon) retryPending() {
	if d.pending.len() == 0 {
		return
	}
	d.pending.retry(d.attempt)
}

// attempt tries to complete one operation. It reports whether the operation
// finished (successfully or with a terminal error) and delivered its
// response; false means it remains unsatisfiable and should stay parked.
func (d *Daemon) attempt(op *pendingOp) bool {
	switch op.req.Op {
	case OpRead:
		data, err := d.table.TryRead(op.h, op.req.MaxLen)
		if errors.Is(err, ErrWouldBlock) {
			return false
		}
		op.req.complete(Response{Data: data, Err: err})
		return true

	case OpWrite:
		n, err := d.table.TryWrite(op.h, op.req.Data[op.written:])
		op.written += n
		if errors.Is(err, ErrWouldBlock) {
			return false
		}
		if err != nil {
			op.req.complete(Response{Count: op.written, Err: err})
			return true
		}
		if op.written < len(op.req.Data) {
			// Partial acceptance: keep pushing the remainder.
			return false
		}
		op.req.complete(Response{Count: op.written})
		return true

	case OpAccept:
		accepted, err := d.table.TryAccept(op.h)
		if errors.Is(err, ErrWouldBlock) {
			return false
		}
		if err != nil {
			op.req.complete(Response{Err: err})
			return true
		}
		op.req.complete(Response{Handle: accepted.id})
		return true

	default:
		op.req.complete(Response{Err: fmt.Errorf("%w: op %d", ErrUnsupportedControl, op.req.Op)})
		return true
	}
}
