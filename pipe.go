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
	"sync"
)

type pipeEndpoint struct {
	name     string
	mtu      int
	capacity int

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	readable chan struct{}
	peer     *pipeEndpoint
}

// Pipe creates a pair of connected links that can be used to simulate a
// network connection. This is similar to a linux veth device. Frames sent on
// one end become receivable on the other; each direction buffers up to
// capacity frames and drops the oldest on overflow.
func Pipe(mtu, capacity int) (Link, Link) {
	a := &pipeEndpoint{
		name:     "pipe0",
		mtu:      mtu,
		capacity: capacity,
		readable: make(chan struct{}, 1),
	}
	b := &pipeEndpoint{
		name:     "pipe1",
		mtu:      mtu,
		capacity: capacity,
		readable: make(chan struct{}, 1),
	}
	a.peer = b
	b.peer = a

	return a, b
}

func (p *pipeEndpoint) Name() string {
	return p.name
}

func (p *pipeEndpoint) MTU() int {
	return p.mtu
}

func (p *pipeEndpoint) RecvFrame() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		if p.closed {
			return nil, ErrClosed
		}
		return nil, ErrWouldBlock
	}

	frame := p.queue[0]
	p.queue = p.queue[1:]
	return frame, nil
}

func (p *pipeEndpoint) SendFrame(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	peer := p.peer

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return ErrClosed
	}
	if len(peer.queue) >= peer.capacity {
		// Tail drop: links are lossy, the protocols above cope.
		peer.queue = peer.queue[1:]
	}
	peer.queue = append(peer.queue, buf)
	peer.mu.Unlock()

	peer.notifyReadable()
	return nil
}

func (p *pipeEndpoint) notifyReadable() {
	select {
	case p.readable <- struct{}{}:
	default:
	}
}

func (p *pipeEndpoint) Readable() <-chan struct{} {
	return p.readable
}

func (p *pipeEndpoint) Close() error {
	for _, ep := range []*pipeEndpoint{p, p.peer} {
		ep.mu.Lock()
		alreadyClosed := ep.closed
		ep.closed = true
		ep.mu.Unlock()

		if !alreadyClosed {
			close(ep.readable)
		}
	}

	return nil
}
