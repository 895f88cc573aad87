// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var errNotifierClosed = errors.New("wake notifier closed")

// notifier wakes the worker when requests are queued. Notifications
// coalesce: several Notify calls may satisfy a single Wait.
type notifier interface {
	Notify() error
	Wait(ctx context.Context) error
	Close() error
}

type chanNotifier struct {
	ch        chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (n *chanNotifier) Notify() error {
	select {
	case <-n.done:
		return errNotifierClosed
	default:
	}

	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

func (n *chanNotifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-n.done:
		return errNotifierClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *chanNotifier) Close() error {
	n.closeOnce.Do(func() { close(n.done) })
	return nil
}
