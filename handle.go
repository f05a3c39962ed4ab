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
	"bytes"
	"errors"
	"log/slog"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

// HandleID identifies one client-visible resource. Unique while open.
type HandleID uint32

// OpenMode restricts the operations permitted on a handle.
type OpenMode uint8

const (
	ModeRead  OpenMode = 1 << iota
	ModeWrite
	ModeReadWrite = ModeRead | ModeWrite
)

// Handle maps a client-visible identifier onto a socket reference plus the
// per-handle cursor and flag state. The handle's socket reference is never
// nil while the handle is open.
type Handle struct {
	id   HandleID
	sock *Socket
	mode OpenMode

	// nonblocking makes unsatisfiable operations return WouldBlock instead
	// of parking.
	nonblocking bool

	// remote is this handle's write destination for connectionless sockets.
	// Duplicated handles may retarget it while sharing the socket.
	remote *tcpip.FullAddress

	// readTimeout/writeTimeout bound how long this handle's operations may
	// stay parked. Zero means no timeout.
	readTimeout  time.Duration
	writeTimeout time.Duration

	// owner tags the control connection the handle belongs to, so closing a
	// connection releases everything it opened.
	owner string
}

// ID returns the handle identifier.
func (h *Handle) ID() HandleID {
	return h.id
}

// Socket returns the socket the handle references.
func (h *Handle) Socket() *Socket {
	return h.sock
}

// HandleTable maps handle identifiers to sockets. Mutated only from the
// event loop goroutine, so it needs no locking.
type HandleTable struct {
	logger *slog.Logger
	stack  *Stack

	handles    map[HandleID]*Handle
	nextHandle HandleID
	maxHandles int
}

// NewHandleTable creates an empty handle table over the given stack.
func NewHandleTable(logger *slog.Logger, stack *Stack, maxHandles int) *HandleTable {
	if maxHandles <= 0 {
		maxHandles = 1024
	}
	return &HandleTable{
		logger:     logger,
		stack:      stack,
		handles:    make(map[HandleID]*Handle),
		maxHandles: maxHandles,
	}
}

// Allocate materializes a new handle for the socket. The socket's reference
// count is assumed to already account for this handle (a freshly opened
// socket starts at one).
func (t *HandleTable) Allocate(sock *Socket, mode OpenMode) (*Handle, error) {
	if len(t.handles) >= t.maxHandles {
		return nil, ErrResourceExhausted
	}

	t.nextHandle++
	h := &Handle{
		id:     t.nextHandle,
		sock:   sock,
		mode:   mode,
		remote: sock.remote,
	}
	t.handles[h.id] = h
	return h, nil
}

// Lookup resolves a handle identifier.
func (t *HandleTable) Lookup(id HandleID) (*Handle, error) {
	h, ok := t.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Release detaches the handle. If it was the socket's last referent the
// stack begins teardown. The caller (the event loop) is responsible for
// completing the handle's parked operations with ErrClosed.
func (t *HandleTable) Release(id HandleID) (*Handle, error) {
	h, ok := t.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(t.handles, id)
	t.stack.ReleaseSocket(h.sock)
	return h, nil
}

// Duplicate allocates a fresh handle sharing the socket reference. The
// duplicate inherits the original's flags; newRemote, when valid, retargets
// the duplicate's write destination (connectionless sockets only).
func (t *HandleTable) Duplicate(h *Handle, newRemote *tcpip.FullAddress) (*Handle, error) {
	if newRemote != nil && !h.sock.kind.Connectionless() {
		return nil, ErrInvalidAddress
	}

	dup, err := t.Allocate(h.sock, h.mode)
	if err != nil {
		return nil, err
	}
	t.stack.RetainSocket(h.sock)

	dup.nonblocking = h.nonblocking
	dup.readTimeout = h.readTimeout
	dup.writeTimeout = h.writeTimeout
	dup.owner = h.owner
	if newRemote != nil {
		dup.remote = newRemote
	}
	return dup, nil
}

// TryRead pulls up to maxLen bytes directly from the socket's receive
// buffer. ErrWouldBlock when nothing is buffered; ErrEndOfStream only for
// connection-oriented sockets that have fully closed with no remaining data.
func (t *HandleTable) TryRead(h *Handle, maxLen int) ([]byte, error) {
	if h.mode&ModeRead == 0 {
		return nil, ErrAccessDenied
	}
	if maxLen <= 0 {
		return nil, nil
	}

	buf := make([]byte, maxLen)
	w := tcpip.SliceWriter(buf)

	res, tcpipErr := h.sock.ep.Read(&w, tcpip.ReadOptions{
		NeedRemoteAddr: h.sock.kind.Connectionless(),
	})
	if tcpipErr != nil {
		err := translateError(tcpipErr)
		if errors.Is(err, ErrEndOfStream) && h.sock.kind.Connectionless() {
			// Datagram sockets never report end-of-stream.
			err = ErrWouldBlock
		}
		return nil, err
	}

	if h.sock.kind.Connectionless() {
		// Keep the datagram's source around as the reply-to destination for
		// handles with no explicit remote.
		addr := res.RemoteAddr
		h.sock.replyTo = &addr
	}

	return buf[:res.Count], nil
}

// TryWrite hands bytes to the socket's send buffer up to its capacity.
// Partial acceptance is legal and expected; the caller tracks the unwritten
// remainder. Zero acceptance is reported as ErrWouldBlock.
func (t *HandleTable) TryWrite(h *Handle, p []byte) (int, error) {
	if h.mode&ModeWrite == 0 {
		return 0, ErrAccessDenied
	}
	if len(p) == 0 {
		return 0, nil
	}

	var opts tcpip.WriteOptions
	if h.sock.kind.Connectionless() {
		to := h.remote
		if to == nil {
			to = h.sock.replyTo
		}
		if to == nil {
			return 0, ErrInvalidAddress
		}
		opts.To = to
	}

	var r bytes.Reader
	r.Reset(p)

	n, tcpipErr := h.sock.ep.Write(&r, opts)
	if tcpipErr != nil {
		if _, ok := tcpipErr.(*tcpip.ErrWouldBlock); ok && n > 0 {
			return int(n), nil
		}
		return int(n), translateError(tcpipErr)
	}
	return int(n), nil
}

// TryAccept takes one pending connection off a listening TCP handle,
// producing a new handle bound to the freshly Established socket. The
// listening handle remains open and reusable.
func (t *HandleTable) TryAccept(h *Handle) (*Handle, error) {
	if h.sock.kind != KindTCP || !h.sock.listening {
		return nil, ErrInvalidAddress
	}

	ep, wq, tcpipErr := h.sock.ep.Accept(nil)
	if tcpipErr != nil {
		return nil, translateError(tcpipErr)
	}

	sock, err := t.stack.AdoptSocket(ep, wq)
	if err != nil {
		return nil, err
	}

	accepted, err := t.Allocate(sock, ModeReadWrite)
	if err != nil {
		t.stack.ReleaseSocket(sock)
		return nil, err
	}
	accepted.owner = h.owner

	t.logger.Debug("Accepted connection",
		slog.Uint64("listener", uint64(h.id)),
		slog.Uint64("handle", uint64(accepted.id)))

	return accepted, nil
}

// HandlesForSocket counts the open handles referencing the socket.
func (t *HandleTable) HandlesForSocket(id SocketID) int {
	var n int
	for _, h := range t.handles {
		if h.sock.id == id {
			n++
		}
	}
	return n
}

// HandleCount returns the number of open handles.
func (t *HandleTable) HandleCount() int {
	return len(t.handles)
}

// handlesOwnedBy returns the handles tagged with the given owner.
func (t *HandleTable) handlesOwnedBy(owner string) []*Handle {
	var owned []*Handle
	for _, h := range t.handles {
		if h.owner == owner {
			owned = append(owned, h)
		}
	}
	return owned
}
