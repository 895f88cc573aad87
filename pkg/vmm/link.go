// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a control channel round trip when the Link has no
// explicit timeout.
const DefaultTimeout = 30 * time.Second

const requestQueueSize = 16

var (
	// ErrChannelTimeout is returned when the worker does not answer in time.
	ErrChannelTimeout = errors.New("control channel timed out")

	// ErrChannelClosed is returned once the link is shut down.
	ErrChannelClosed = errors.New("control channel closed")
)

var vmmLog = logrus.WithField("subsystem", "vmm")

// SetLogger sets the logger for the vmm package.
func SetLogger(logger *logrus.Entry) {
	fields := vmmLog.Data
	vmmLog = logger.WithFields(fields)
}

// Channel is the orchestrator side of the control channel.
type Channel interface {
	Submit(ctx context.Context, action Action) (*Response, error)
}

// Handler executes actions on behalf of the worker.
type Handler interface {
	Handle(ctx context.Context, action Action) (*Response, error)
}

type reply struct {
	resp *Response
	err  error
}

// request carries its own reply channel so that a reply arriving after its
// submitter gave up is never read by the next submitter.
type request struct {
	ctx    context.Context
	action Action
	reply  chan reply
}

// Link is an in-process control channel. Submit queues a request and
// signals the wake notifier; Serve waits on the notifier and dispatches
// queued requests to a Handler in submission order.
type Link struct {
	// Timeout bounds each round trip. Zero means DefaultTimeout.
	Timeout time.Duration

	reqCh     chan *request
	wake      notifier
	done      chan struct{}
	closeOnce sync.Once
}

// NewLink returns a link using the platform wake notifier.
func NewLink(timeout time.Duration) (*Link, error) {
	wake, err := newNotifier()
	if err != nil {
		return nil, err
	}
	return newLink(timeout, wake), nil
}

func newLink(timeout time.Duration, wake notifier) *Link {
	return &Link{
		Timeout: timeout,
		reqCh:   make(chan *request, requestQueueSize),
		wake:    wake,
		done:    make(chan struct{}),
	}
}

func (l *Link) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultTimeout
	}
	return l.Timeout
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Submit sends action to the worker and waits for its reply.
func (l *Link) Submit(ctx context.Context, action Action) (*Response, error) {
	if l.closed() {
		return nil, errors.Wrap(ErrChannelClosed, action.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()

	req := &request{
		ctx:    ctx,
		action: action,
		reply:  make(chan reply, 1),
	}

	select {
	case l.reqCh <- req:
	case <-l.done:
		return nil, errors.Wrap(ErrChannelClosed, action.Name())
	case <-ctx.Done():
		return nil, l.expired(ctx, action)
	}

	if err := l.wake.Notify(); err != nil {
		return nil, errors.Wrapf(ErrChannelClosed, "%s: %v", action.Name(), err)
	}

	select {
	case r := <-req.reply:
		return r.resp, r.err
	case <-l.done:
		return nil, errors.Wrap(ErrChannelClosed, action.Name())
	case <-ctx.Done():
		return nil, l.expired(ctx, action)
	}
}

func (l *Link) expired(ctx context.Context, action Action) error {
	vmmLog.WithField("action", action.Name()).Warn("control channel round trip expired")
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrapf(ErrChannelClosed, "%s: %v", action.Name(), ctx.Err())
	}
	return errors.Wrapf(ErrChannelTimeout, "%s after %s", action.Name(), l.timeout())
}

// Serve runs the worker loop until ctx is done or the link is closed.
func (l *Link) Serve(ctx context.Context, h Handler) error {
	for {
		if err := l.wake.Wait(ctx); err != nil {
			if err == errNotifierClosed {
				return nil
			}
			return err
		}

		if !l.drain(h) {
			return nil
		}
	}
}

func (l *Link) drain(h Handler) bool {
	for {
		select {
		case <-l.done:
			return false
		case req := <-l.reqCh:
			l.dispatch(h, req)
		default:
			return true
		}
	}
}

func (l *Link) dispatch(h Handler, req *request) {
	name := req.action.Name()
	logger := vmmLog.WithField("action", name)

	// the submitter gave up, running the action now would act on a
	// request nobody is waiting for
	if err := req.ctx.Err(); err != nil {
		logger.WithError(err).Warn("dropping expired request")
		actionsTotal.WithLabelValues(name, outcomeDropped).Inc()
		req.reply <- reply{err: err}
		return
	}

	start := time.Now()
	resp, err := h.Handle(req.ctx, req.action)
	actionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.WithError(err).Error("action failed")
		actionsTotal.WithLabelValues(name, outcomeError).Inc()
		err = &ActionError{Action: name, Err: err}
	} else {
		logger.Debug("action done")
		actionsTotal.WithLabelValues(name, outcomeOK).Inc()
		if resp == nil {
			resp = &Response{}
		}
	}

	req.reply <- reply{resp: resp, err: err}
}

// Close shuts the link down. Pending and future submissions fail with
// ErrChannelClosed.
func (l *Link) Close() error {
	var result *multierror.Error

	l.closeOnce.Do(func() {
		close(l.done)
		if err := l.wake.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	})

	return result.ErrorOrNil()
}
