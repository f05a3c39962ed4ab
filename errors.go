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
	"errors"
	"fmt"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

var (
	// ErrWouldBlock indicates a non-blocking operation could not complete
	// immediately. It is a control-flow signal, not a failure.
	ErrWouldBlock = errors.New("operation would block")
	// ErrEndOfStream indicates a connection-oriented peer has closed and no
	// buffered data remains.
	ErrEndOfStream = errors.New("end of stream")
	// ErrInvalidAddress indicates a malformed or disallowed endpoint spec.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAddressInUse indicates an exclusive local bind conflict.
	ErrAddressInUse = errors.New("address in use")
	// ErrConnectionReset indicates the peer aborted the connection.
	ErrConnectionReset = errors.New("connection reset by peer")
	// ErrConnectionRefused indicates the peer refused the connection.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrNotFound indicates an operation on an unknown or already closed
	// handle.
	ErrNotFound = errors.New("no such handle")
	// ErrResourceExhausted indicates the handle table or socket registry is
	// at capacity.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrClosed is the completion outcome of operations that were still
	// parked when their handle closed.
	ErrClosed = errors.New("handle closed")
	// ErrTimeout is the completion outcome of parked operations whose
	// handle read/write timeout expired.
	ErrTimeout = errors.New("operation timed out")
	// ErrUnsupportedControl indicates a control operation the daemon does
	// not implement. Unsupported controls are reported, never silently
	// ignored.
	ErrUnsupportedControl = errors.New("unsupported control operation")
	// ErrAccessDenied indicates a privileged local port or a denied
	// destination.
	ErrAccessDenied = errors.New("access denied")
)

// translateError converts an error from the protocol stack into the daemon's
// error taxonomy. Errors with no direct equivalent are passed through
// wrapped, so the scheme layer can still report something actionable.
func translateError(err tcpip.Error) error {
	if err == nil {
		return nil
	}

	switch err.(type) {
	case *tcpip.ErrWouldBlock:
		return ErrWouldBlock
	case *tcpip.ErrNotConnected:
		// A handshake still in flight reads as not-yet-satisfiable, not as
		// a failure: the operation parks until the socket settles.
		return ErrWouldBlock
	case *tcpip.ErrClosedForReceive:
		return ErrEndOfStream
	case *tcpip.ErrClosedForSend:
		return ErrClosed
	case *tcpip.ErrConnectionReset, *tcpip.ErrConnectionAborted:
		return ErrConnectionReset
	case *tcpip.ErrConnectionRefused:
		return ErrConnectionRefused
	case *tcpip.ErrPortInUse, *tcpip.ErrDuplicateAddress:
		return ErrAddressInUse
	case *tcpip.ErrBadLocalAddress, *tcpip.ErrHostUnreachable, *tcpip.ErrInvalidEndpointState,
		*tcpip.ErrUnknownProtocol, *tcpip.ErrUnknownProtocolOption, *tcpip.ErrInvalidOptionValue:
		return fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	case *tcpip.ErrNoPortAvailable, *tcpip.ErrNoBufferSpace:
		return ErrResourceExhausted
	default:
		return fmt.Errorf("stack error: %s", err)
	}
}
