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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The control channel carries length-prefixed binary frames, one request or
// response per frame. All integers are big-endian.
//
// Request frame payload:
//
//	reqID u32 | op u8 | handle u32 | control u8 | maxLen u32 |
//	specLen u16 | spec ... | data ...
//
// Response frame payload:
//
//	reqID u32 | status u8 | handle u32 | count u32 | data ...
//
// status zero means success; otherwise it is a wire error code and, for the
// generic code, data carries the error text.
const (
	maxFramePayload = 1 << 20

	requestHeaderLen  = 4 + 1 + 4 + 1 + 4 + 2
	responseHeaderLen = 4 + 1 + 4 + 4
)

// Wire error codes. The taxonomy crosses the control channel as small
// stable numbers so clients can test outcomes with errors.Is.
const (
	wireOK uint8 = iota
	wireWouldBlock
	wireEndOfStream
	wireInvalidAddress
	wireAddressInUse
	wireConnectionReset
	wireConnectionRefused
	wireNotFound
	wireResourceExhausted
	wireClosed
	wireTimeout
	wireUnsupportedControl
	wireAccessDenied

	wireGenericError uint8 = 0xff
)

var wireErrors = map[uint8]error{
	wireWouldBlock:         ErrWouldBlock,
	wireEndOfStream:        ErrEndOfStream,
	wireInvalidAddress:     ErrInvalidAddress,
	wireAddressInUse:       ErrAddressInUse,
	wireConnectionReset:    ErrConnectionReset,
	wireConnectionRefused:  ErrConnectionRefused,
	wireNotFound:           ErrNotFound,
	wireResourceExhausted:  ErrResourceExhausted,
	wireClosed:             ErrClosed,
	wireTimeout:            ErrTimeout,
	wireUnsupportedControl: ErrUnsupportedControl,
	wireAccessDenied:       ErrAccessDenied,
}

func errorToWire(err error) uint8 {
	if err == nil {
		return wireOK
	}
	for code, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return wireGenericError
}

func errorFromWire(code uint8, detail []byte) error {
	if code == wireOK {
		return nil
	}
	if err, ok := wireErrors[code]; ok {
		return err
	}
	if len(detail) > 0 {
		return fmt.Errorf("remote error: %s", detail)
	}
	return errors.New("remote error")
}

// wireRequest is the decoded form of a request frame.
type wireRequest struct {
	ReqID   uint32
	Op      Op
	Handle  HandleID
	Control ControlOp
	MaxLen  uint32
	Spec    string
	Data    []byte
}

// wireResponse is the decoded form of a response frame.
type wireResponse struct {
	ReqID  uint32
	Handle HandleID
	Count  uint32
	Data   []byte
	Err    error
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload exceeds maximum allowed size")
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n > maxFramePayload {
		return nil, fmt.Errorf("frame payload exceeds maximum allowed size")
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodeRequest(req wireRequest) ([]byte, error) {
	if len(req.Spec) > 0xffff {
		return nil, fmt.Errorf("%w: spec too long", ErrInvalidAddress)
	}

	payload := make([]byte, requestHeaderLen, requestHeaderLen+len(req.Spec)+len(req.Data))
	binary.BigEndian.PutUint32(payload[0:], req.ReqID)
	payload[4] = byte(req.Op)
	binary.BigEndian.PutUint32(payload[5:], uint32(req.Handle))
	payload[9] = byte(req.Control)
	binary.BigEndian.PutUint32(payload[10:], req.MaxLen)
	binary.BigEndian.PutUint16(payload[14:], uint16(len(req.Spec)))

	payload = append(payload, req.Spec...)
	payload = append(payload, req.Data...)
	return payload, nil
}

func decodeRequest(payload []byte) (wireRequest, error) {
	var req wireRequest
	if len(payload) < requestHeaderLen {
		return req, fmt.Errorf("short request frame: %d bytes", len(payload))
	}

	req.ReqID = binary.BigEndian.Uint32(payload[0:])
	req.Op = Op(payload[4])
	req.Handle = HandleID(binary.BigEndian.Uint32(payload[5:]))
	req.Control = ControlOp(payload[9])
	req.MaxLen = binary.BigEndian.Uint32(payload[10:])
	specLen := int(binary.BigEndian.Uint16(payload[14:]))

	rest := payload[requestHeaderLen:]
	if len(rest) < specLen {
		return req, fmt.Errorf("truncated request spec: want %d bytes, have %d", specLen, len(rest))
	}
	req.Spec = string(rest[:specLen])
	if data := rest[specLen:]; len(data) > 0 {
		req.Data = data
	}
	return req, nil
}

func encodeResponse(reqID uint32, resp Response) []byte {
	status := errorToWire(resp.Err)

	data := resp.Data
	if status == wireGenericError {
		data = []byte(resp.Err.Error())
	}

	payload := make([]byte, responseHeaderLen, responseHeaderLen+len(data))
	binary.BigEndian.PutUint32(payload[0:], reqID)
	payload[4] = status
	binary.BigEndian.PutUint32(payload[5:], uint32(resp.Handle))
	binary.BigEndian.PutUint32(payload[9:], uint32(resp.Count))

	return append(payload, data...)
}

func decodeResponse(payload []byte) (wireResponse, error) {
	var resp wireResponse
	if len(payload) < responseHeaderLen {
		return resp, fmt.Errorf("short response frame: %d bytes", len(payload))
	}

	resp.ReqID = binary.BigEndian.Uint32(payload[0:])
	status := payload[4]
	resp.Handle = HandleID(binary.BigEndian.Uint32(payload[5:]))
	resp.Count = binary.BigEndian.Uint32(payload[9:])
	if data := payload[responseHeaderLen:]; len(data) > 0 {
		resp.Data = data
	}

	resp.Err = errorFromWire(status, resp.Data)
	if status != wireOK {
		resp.Data = nil
	}
	return resp, nil
}
