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
	stdnet "net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Server serves the client-facing handle protocol over a stream listener
// (typically a unix domain socket). Each connection's requests feed the
// daemon's control channel; completions are written back tagged with their
// request IDs, in-order per handle, possibly interleaved across handles.
type Server struct {
	logger *slog.Logger
	daemon *Daemon

	nextOwner atomic.Uint64
}

// NewServer creates a server posting requests to the given daemon.
func NewServer(logger *slog.Logger, daemon *Daemon) *Server {
	return &Server{
		logger: logger,
		daemon: daemon,
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Listener failure is fatal: the supervising process restarts the daemon.
func (s *Server) Serve(ctx context.Context, lis stdnet.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks, ctx := errgroup.WithContext(ctx)

	tasks.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})

	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, stdnet.ErrClosed) {
				break
			}
			cancel()
			_ = tasks.Wait()
			return fmt.Errorf("control channel failed: %w", err)
		}

		tasks.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}

	if err := tasks.Wait(); err != nil && !errors.Is(err, stdnet.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn stdnet.Conn) {
	owner := fmt.Sprintf("conn-%d", s.nextOwner.Add(1))

	logger := s.logger.With(slog.String("owner", owner))
	logger.Debug("Client connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Completions are fanned into one writer so frames never interleave.
	completions := make(chan []byte, 64)

	go func() {
		defer conn.Close()
		for {
			select {
			case <-connCtx.Done():
				return
			case frame := <-completions:
				if err := writeFrame(conn, frame); err != nil {
					logger.Debug("Failed to write response", slog.Any("error", err))
					cancel()
					return
				}
			}
		}
	}()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			break
		}

		wreq, err := decodeRequest(payload)
		if err != nil {
			logger.Debug("Bad request frame", slog.Any("error", err))
			break
		}

		req := NewRequest()
		req.Op = wreq.Op
		req.Handle = wreq.Handle
		req.Spec = wreq.Spec
		req.Data = wreq.Data
		req.MaxLen = int(wreq.MaxLen)
		req.Control = wreq.Control
		req.Owner = owner

		if err := s.daemon.Submit(connCtx, req); err != nil {
			break
		}

		// Await the completion off the read path, so a parked operation on
		// one handle does not stall requests for others.
		go func(reqID uint32, req *Request) {
			select {
			case <-connCtx.Done():
			case resp := <-req.Done():
				select {
				case <-connCtx.Done():
				case completions <- encodeResponse(reqID, resp):
				}
			}
		}(wreq.ReqID, req)
	}

	cancel()

	// The connection is gone; release everything it opened. Parked
	// operations of those handles resolve with a closed-resource outcome.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()

	release := NewRequest()
	release.Op = opReleaseOwner
	release.Owner = owner
	if err := s.daemon.Submit(releaseCtx, release); err == nil {
		select {
		case <-release.Done():
		case <-releaseCtx.Done():
		}
	}

	logger.Debug("Client disconnected")
}
