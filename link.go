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
	"io"
)

// MaxFrameSize is the largest IP packet a link is expected to carry.
const MaxFrameSize = 65535

// Link is the daemon's view of the physical (or virtual) network device. All
// methods are non-blocking: when no frame is available, or the device cannot
// accept one, they return ErrWouldBlock and the caller waits on Readable
// instead of spinning.
//
// Implementations may pump the device from their own goroutines, but the
// RecvFrame/SendFrame surface observed by the event loop must never block.
type Link interface {
	io.Closer

	// MTU returns the Maximum Transmission Unit of the device.
	MTU() int

	// RecvFrame returns the next received frame, or ErrWouldBlock when none
	// is queued. The returned slice is owned by the caller.
	RecvFrame() ([]byte, error)

	// SendFrame queues a frame for transmission. ErrWouldBlock means the
	// device cannot accept the frame right now; the caller retains ownership
	// and may retry later.
	SendFrame(frame []byte) error

	// Readable is signalled (coalesced, capacity one) whenever frames may
	// have become available to RecvFrame. The channel is closed when the
	// link shuts down.
	Readable() <-chan struct{}
}
