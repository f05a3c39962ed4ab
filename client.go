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
	"fmt"
	stdnet "net"
	"sync"
	"time"
)

// Client is the client side of the handle protocol. It is what the DNS
// helper (or any other process) uses to reach the network: open, read,
// write, and close handles served by the daemon.
//
// A Client is safe for concurrent use; responses are matched to requests by
// ID, so parked operations on one handle do not stall the others.
type Client struct {
	conn stdnet.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextReq uint32
	pending map[uint32]chan wireResponse
	readErr error
}

// DialControl connects to a daemon's control socket.
func DialControl(network, address string) (*Client, error) {
	conn, err := stdnet.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control channel: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established control connection.
func NewClient(conn stdnet.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan wireResponse),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			c.failAll(fmt.Errorf("control channel failed: %w", err))
			return
		}

		resp, err := decodeResponse(payload)
		if err != nil {
			c.failAll(fmt.Errorf("control channel failed: %w", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ReqID]
		delete(c.pending, resp.ReqID)
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wireResponse{Err: err}
	}
}

func (c *Client) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	ch := make(chan wireResponse, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return wireResponse{}, err
	}
	c.nextReq++
	req.ReqID = c.nextReq
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	payload, err := encodeRequest(req)
	if err != nil {
		return wireResponse{}, err
	}

	c.writeMu.Lock()
	err = writeFrame(c.conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return wireResponse{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return wireResponse{}, ctx.Err()
	}
}

// Open opens a handle for the given spec, e.g. "tcp/203.0.113.5:80" or
// "udp//5353".
func (c *Client) Open(ctx context.Context, spec string) (HandleID, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpOpen, Spec: spec})
	if err != nil {
		return 0, err
	}
	return resp.Handle, resp.Err
}

// Close releases a handle. Parked operations on it complete with ErrClosed.
func (c *Client) Close(ctx context.Context, h HandleID) error {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpClose, Handle: h})
	if err != nil {
		return err
	}
	return resp.Err
}

// Read reads up to maxLen bytes from the handle. On a blocking handle the
// call parks daemon-side until at least one byte (or end of stream) is
// available.
func (c *Client) Read(ctx context.Context, h HandleID, maxLen int) ([]byte, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpRead, Handle: h, MaxLen: uint32(maxLen)})
	if err != nil {
		return nil, err
	}
	return resp.Data, resp.Err
}

// Write writes p to the handle, returning the number of bytes accepted.
func (c *Client) Write(ctx context.Context, h HandleID, p []byte) (int, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpWrite, Handle: h, Data: p})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), resp.Err
}

// Accept takes one pending connection off a listening TCP handle.
func (c *Client) Accept(ctx context.Context, h HandleID) (HandleID, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpAccept, Handle: h})
	if err != nil {
		return 0, err
	}
	return resp.Handle, resp.Err
}

// Dup duplicates a handle. For connectionless handles a non-empty spec
// ("host:port") retargets the duplicate's write destination.
func (c *Client) Dup(ctx context.Context, h HandleID, spec string) (HandleID, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpDup, Handle: h, Spec: spec})
	if err != nil {
		return 0, err
	}
	return resp.Handle, resp.Err
}

// Control performs a control operation on a handle.
func (c *Client) Control(ctx context.Context, h HandleID, op ControlOp, arg []byte) ([]byte, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Op: OpControl, Handle: h, Control: op, Data: arg})
	if err != nil {
		return nil, err
	}
	return resp.Data, resp.Err
}

// LocalAddr reports the handle's bound local endpoint as "ip:port".
func (c *Client) LocalAddr(ctx context.Context, h HandleID) (string, error) {
	data, err := c.Control(ctx, h, CtlLocalAddr, nil)
	return string(data), err
}

// RemoteAddr reports the handle's remote endpoint as "ip:port".
func (c *Client) RemoteAddr(ctx context.Context, h HandleID) (string, error) {
	data, err := c.Control(ctx, h, CtlRemoteAddr, nil)
	return string(data), err
}

// SetNonblocking toggles would-block outcomes instead of parking.
func (c *Client) SetNonblocking(ctx context.Context, h HandleID, nonblocking bool) error {
	arg := []byte{0}
	if nonblocking {
		arg[0] = 1
	}
	_, err := c.Control(ctx, h, CtlSetNonblocking, arg)
	return err
}

// SetReadTimeout bounds how long the handle's reads may stay parked.
func (c *Client) SetReadTimeout(ctx context.Context, h HandleID, timeout time.Duration) error {
	_, err := c.Control(ctx, h, CtlSetReadTimeout, encodeDuration(timeout))
	return err
}

// SetWriteTimeout bounds how long the handle's writes may stay parked.
func (c *Client) SetWriteTimeout(ctx context.Context, h HandleID, timeout time.Duration) error {
	_, err := c.Control(ctx, h, CtlSetWriteTimeout, encodeDuration(timeout))
	return err
}

// Shutdown tears down the control connection.
func (c *Client) Shutdown() error {
	err := c.conn.Close()
	c.failAll(ErrClosed)
	return err
}
