// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollIntervalMs bounds how long Wait sleeps in poll(2) before checking
// its context again.
const pollIntervalMs = 50

// eventfdNotifier is a counting eventfd shared by the submitter and the
// worker.
type eventfdNotifier struct {
	mu     sync.RWMutex
	fd     int
	closed bool
}

func newNotifier() (notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "creating eventfd")
	}
	return &eventfdNotifier{fd: fd}, nil
}

func (e *eventfdNotifier) Notify() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return errNotifierClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	// EAGAIN means the counter is saturated, the worker is woken anyway
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "signalling eventfd")
	}
	return nil
}

func (e *eventfdNotifier) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		woken, err := e.poll()
		if err != nil {
			return err
		}
		if woken {
			return nil
		}
	}
}

func (e *eventfdNotifier) poll() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return false, errNotifierClosed
	}

	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, pollIntervalMs)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "polling eventfd")
	}
	if n == 0 {
		return false, nil
	}

	// reading resets the counter
	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return false, errors.Wrap(err, "reading eventfd")
	}
	return true, nil
}

func (e *eventfdNotifier) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Close(e.fd)
}
