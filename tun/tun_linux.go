//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Strandnet Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package tun provides a linux TUN device as a daemon link.
package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/strandnet/netd"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64

	// DefaultMTU is used when the device MTU cannot be queried.
	DefaultMTU = 1500

	// recvQueueLen bounds frames buffered between the reader goroutine and
	// the event loop. Overflow tail-drops, the protocols above cope.
	recvQueueLen = 256
)

var _ netd.Link = (*NativeTun)(nil)

// NativeTun is a TUN device implementation for linux. A background goroutine
// reads frames off the device into a queue so that the event loop's
// RecvFrame/SendFrame calls never block.
type NativeTun struct {
	logger *slog.Logger

	tunFile *os.File
	name    string
	mtu     int

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	readable chan struct{}

	closeOnce sync.Once
	writeOpMu sync.Mutex
}

// CreateTUN creates a device with the provided name and MTU.
func CreateTUN(logger *slog.Logger, name string, mtu int) (netd.Link, error) {
	nfd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("CreateTUN(%q) failed; %s does not exist", name, cloneDevicePath)
		}
		return nil, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, err
	}

	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(nfd, unix.TUNSETIFF, ifr)
	if err != nil {
		return nil, err
	}

	err = unix.SetNonblock(nfd, true)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}

	// Note that the above -- open,ioctl,nonblock -- must happen prior to handing it to netpoll as below this line.

	fd := os.NewFile(uintptr(nfd), cloneDevicePath)
	return CreateTUNFromFile(logger, fd, mtu)
}

// CreateTUNFromFile creates a device from an os.File with the provided MTU.
func CreateTUNFromFile(logger *slog.Logger, file *os.File, mtu int) (netd.Link, error) {
	tun := &NativeTun{
		logger:   logger,
		tunFile:  file,
		readable: make(chan struct{}, 1),
	}

	var err error
	tun.name, err = tun.nameSlow()
	if err != nil {
		_ = tun.Close()
		return nil, err
	}

	if err := tun.setMTU(mtu); err != nil {
		_ = tun.Close()
		return nil, err
	}
	tun.mtu = mtu

	go tun.readLoop()

	return tun, nil
}

func (tun *NativeTun) Close() error {
	var err error
	tun.closeOnce.Do(func() {
		err = tun.tunFile.Close()

		tun.mu.Lock()
		tun.closed = true
		tun.mu.Unlock()
		close(tun.readable)
	})
	return err
}

// readLoop pumps frames off the device into the receive queue.
func (tun *NativeTun) readLoop() {
	buf := make([]byte, netd.MaxFrameSize)

	for {
		err := tun.tunFile.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err != nil {
			return
		}

		n, err := tun.tunFile.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EBADFD) {
				tun.logger.Warn("Failed to read from TUN device",
					slog.Any("error", err))
			}
			return
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		tun.mu.Lock()
		if tun.closed {
			tun.mu.Unlock()
			return
		}
		if len(tun.queue) >= recvQueueLen {
			tun.queue = tun.queue[1:]
		}
		tun.queue = append(tun.queue, frame)
		tun.mu.Unlock()

		select {
		case tun.readable <- struct{}{}:
		default:
		}
	}
}

func (tun *NativeTun) RecvFrame() ([]byte, error) {
	tun.mu.Lock()
	defer tun.mu.Unlock()

	if len(tun.queue) == 0 {
		if tun.closed {
			return nil, netd.ErrClosed
		}
		return nil, netd.ErrWouldBlock
	}

	frame := tun.queue[0]
	tun.queue = tun.queue[1:]
	return frame, nil
}

func (tun *NativeTun) SendFrame(frame []byte) error {
	tun.writeOpMu.Lock()
	defer tun.writeOpMu.Unlock()

	if err := tun.tunFile.SetWriteDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		return err
	}

	_, err := tun.tunFile.Write(frame)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return netd.ErrWouldBlock
		}
		if errors.Is(err, syscall.EBADFD) {
			return netd.ErrClosed
		}
		return err
	}
	return nil
}

func (tun *NativeTun) Readable() <-chan struct{} {
	return tun.readable
}

func (tun *NativeTun) MTU() int {
	name := tun.Name()

	// open datagram socket
	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC,
		0,
	)
	if err != nil {
		tun.logger.Warn("Failed to open datagram socket",
			slog.Any("error", err))
		return tun.fallbackMTU()
	}

	defer unix.Close(fd)

	// do ioctl call

	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCGIFMTU),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		tun.logger.Warn("Failed to get MTU of TUN device",
			slog.Any("error", errno))
		return tun.fallbackMTU()
	}

	return int(*(*int32)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])))
}

func (tun *NativeTun) fallbackMTU() int {
	if tun.mtu > 0 {
		return tun.mtu
	}
	return DefaultMTU
}

func (tun *NativeTun) Name() string {
	return tun.name
}

func (tun *NativeTun) setMTU(n int) error {
	name := tun.Name()

	// open datagram socket
	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC,
		0,
	)
	if err != nil {
		return err
	}

	defer unix.Close(fd)

	// do ioctl call
	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	*(*uint32)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = uint32(n)
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCSIFMTU),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		return fmt.Errorf("failed to set MTU of TUN device: %w", errno)
	}

	return nil
}

func (tun *NativeTun) nameSlow() (string, error) {
	sysconn, err := tun.tunFile.SyscallConn()
	if err != nil {
		return "", err
	}
	var ifr [ifReqSize]byte
	var errno syscall.Errno
	err = sysconn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(
			unix.SYS_IOCTL,
			fd,
			uintptr(unix.TUNGETIFF),
			uintptr(unsafe.Pointer(&ifr[0])),
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get name of TUN device: %w", err)
	}
	if errno != 0 {
		return "", fmt.Errorf("failed to get name of TUN device: %w", errno)
	}
	return unix.ByteSliceToString(ifr[:]), nil
}
