// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, action Action) (*Response, error)

func (f handlerFunc) Handle(ctx context.Context, action Action) (*Response, error) {
	return f(ctx, action)
}

func serveLink(t *testing.T, timeout time.Duration, h Handler) *Link {
	link, err := NewLink(timeout)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Serve(ctx, h) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, link.Close())
		<-done
	})
	return link
}

func counterValue(t *testing.T, action, outcome string) float64 {
	var m dto.Metric
	require.NoError(t, actionsTotal.WithLabelValues(action, outcome).Write(&m))
	return m.GetCounter().GetValue()
}

func TestLinkDispatchesInOrder(t *testing.T) {
	assert := assert.New(t)

	var mu sync.Mutex
	var seen []string
	link := serveLink(t, time.Second, handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
		mu.Lock()
		seen = append(seen, a.Name())
		mu.Unlock()
		return nil, nil
	}))

	before := counterValue(t, "InsertVsock", outcomeOK)

	for _, a := range []Action{
		SetVmConfig{},
		SetBootSource{},
		InsertBlockDevice{},
		InsertVsock{},
	} {
		resp, err := link.Submit(context.Background(), a)
		assert.NoError(err)
		// a nil handler response is a plain success
		assert.Equal(&Response{}, resp)
	}

	mu.Lock()
	assert.Equal([]string{"SetVmConfig", "SetBootSource", "InsertBlockDevice", "InsertVsock"}, seen)
	mu.Unlock()

	assert.Equal(before+1, counterValue(t, "InsertVsock", outcomeOK))
}

func TestLinkReturnsMeasurement(t *testing.T) {
	m := &Measurement{Data: []byte{1, 2, 3}, BuildID: 7}
	link := serveLink(t, time.Second, handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
		return &Response{Measurement: m}, nil
	}))

	resp, err := link.Submit(context.Background(), StartSevInstance{})
	assert.NoError(t, err)
	assert.Equal(t, m, resp.Measurement)
}

func TestLinkActionError(t *testing.T) {
	assert := assert.New(t)

	rejected := errors.New("bad config")
	link := serveLink(t, time.Second, handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
		return nil, rejected
	}))

	_, err := link.Submit(context.Background(), SetVmConfig{})
	var aerr *ActionError
	if assert.ErrorAs(err, &aerr) {
		assert.Equal("SetVmConfig", aerr.Action)
	}
	assert.ErrorIs(err, rejected)
}

func TestLinkTimeout(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	link := serveLink(t, 50*time.Millisecond, handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
		if _, ok := a.(StartSevInstance); ok {
			<-release
			return &Response{Measurement: &Measurement{Data: []byte("late")}}, nil
		}
		return nil, nil
	}))

	_, err := link.Submit(context.Background(), StartSevInstance{})
	assert.ErrorIs(err, ErrChannelTimeout)

	close(release)

	// the late measurement must not be taken as the reply to this request
	resp, err := link.Submit(context.Background(), InjectSecrets{})
	assert.NoError(err)
	assert.Nil(resp.Measurement)
}

func TestLinkTimeoutWithoutWorker(t *testing.T) {
	link, err := NewLink(20 * time.Millisecond)
	require.NoError(t, err)
	defer link.Close()

	_, err = link.Submit(context.Background(), SetVmConfig{})
	assert.ErrorIs(t, err, ErrChannelTimeout)
}

func TestLinkDropsExpiredRequests(t *testing.T) {
	link, err := NewLink(20 * time.Millisecond)
	require.NoError(t, err)
	defer link.Close()

	// queued with nobody serving, so it expires in the queue
	_, err = link.Submit(context.Background(), SetBootSource{})
	require.ErrorIs(t, err, ErrChannelTimeout)

	called := make(chan string, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Serve(ctx, handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
		called <- a.Name()
		return nil, nil
	}))

	link.Timeout = time.Second
	_, err = link.Submit(context.Background(), InsertVsock{})
	assert.NoError(t, err)
	assert.Equal(t, "InsertVsock", <-called)
	assert.Empty(t, called)
}

func TestLinkClosed(t *testing.T) {
	assert := assert.New(t)

	link, err := NewLink(time.Second)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- link.Serve(context.Background(), handlerFunc(func(ctx context.Context, a Action) (*Response, error) {
			return nil, nil
		}))
	}()

	assert.NoError(link.Close())
	assert.NoError(<-served)
	assert.NoError(link.Close())

	_, err = link.Submit(context.Background(), SetVmConfig{})
	assert.ErrorIs(err, ErrChannelClosed)
}

func TestLinkCallerCancel(t *testing.T) {
	link, err := NewLink(time.Second)
	require.NoError(t, err)
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = link.Submit(ctx, SetVmConfig{})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChanNotifier(t *testing.T) {
	testNotifier(t, newChanNotifier())
}

func TestPlatformNotifier(t *testing.T) {
	n, err := newNotifier()
	require.NoError(t, err)
	testNotifier(t, n)
}

func testNotifier(t *testing.T, n notifier) {
	assert := assert.New(t)

	// notifications coalesce
	assert.NoError(n.Notify())
	assert.NoError(n.Notify())
	assert.NoError(n.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(n.Wait(ctx), context.DeadlineExceeded)

	assert.NoError(n.Close())
	assert.ErrorIs(n.Notify(), errNotifierClosed)
	assert.ErrorIs(n.Wait(context.Background()), errNotifierClosed)
}
