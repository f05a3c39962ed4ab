// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package netd

// Op enumerates the file operations of the client-facing handle protocol.
type Op uint8

const (
	OpOpen Op = iota + 1
	OpClose
	OpRead
	OpWrite
	OpAccept
	OpDup
	OpControl
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpDup:
		return "dup"
	case OpControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlOp enumerates the control operations a handle supports. The set is
// deliberately enumerated rather than open-ended; anything else gets
// ErrUnsupportedControl.
type ControlOp uint8

const (
	CtlLocalAddr ControlOp = iota + 1
	CtlRemoteAddr
	CtlSetNonblocking
	CtlGetTTL
	CtlSetTTL
	CtlGetReadTimeout
	CtlSetReadTimeout
	CtlGetWriteTimeout
	CtlSetWriteTimeout
	CtlSetKeepalive
)

// Request is one client file-operation request arriving on the control
// channel. Exactly one Response is delivered per request.
type Request struct {
	Op     Op
	Handle HandleID

	// Spec is the open spec (OpOpen) or the optional new remote endpoint of
	// a duplicate (OpDup).
	Spec string

	// Data is the payload for OpWrite, or the argument for OpControl.
	Data []byte

	// MaxLen bounds an OpRead.
	MaxLen int

	Control ControlOp

	// Owner tags the control connection issuing the request, so that a
	// dropped connection releases every handle it opened.
	Owner string

	done chan Response
}

// NewRequest creates a request whose completion can be awaited on Done.
func NewRequest() *Request {
	return &Request{done: make(chan Response, 1)}
}

// Done yields the request's completion.
func (r *Request) Done() <-chan Response {
	return r.done
}

// complete delivers the response. Each request completes exactly once; the
// buffered channel means completion never blocks the loop.
func (r *Request) complete(resp Response) {
	r.done <- resp
}

// Response is the outcome of one request.
type Response struct {
	// Handle is the identifier produced by open, accept, and dup.
	Handle HandleID
	// Data carries read payloads and control query results.
	Data []byte
	// Count is the number of bytes accepted by a write.
	Count int
	// Err is nil on success. ErrWouldBlock is a control-flow outcome for
	// non-blocking handles, not a failure.
	Err error
}
