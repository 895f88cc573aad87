// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	assert := assert.New(t)

	order := []State{StateCreated, StateConfigured, StateBooted, StateAttested, StateSecretInjected, StateRunning}
	for i := 0; i+1 < len(order); i++ {
		assert.NoError(validTransition(order[i], order[i+1]), "%s", order[i])
		assert.ErrorIs(validTransition(order[i+1], order[i]), ErrInvalidTransition)
		assert.ErrorIs(validTransition(order[i], order[i]), ErrInvalidTransition)
	}

	for _, s := range order {
		assert.NoError(validTransition(s, StateFailed))
		assert.ErrorIs(validTransition(StateFailed, s), ErrInvalidTransition)
	}

	assert.ErrorIs(validTransition(StateAttested, StateRunning), ErrInvalidTransition)
	assert.ErrorIs(validTransition(StateFailed, StateFailed), ErrInvalidTransition)
	assert.Equal("secret-injected", StateSecretInjected.String())
	assert.Equal("unknown", State(42).String())
}

func TestKindOf(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(KindUnknown, KindOf(nil))
	assert.Equal(KindUnknown, KindOf(errors.New("other")))
	assert.Equal(Precondition, KindOf(errors.Wrap(ErrCertificateChainUnavailable, "chain")))
	assert.Equal(Protocol, KindOf(&StepError{Step: StepConfigure, Err: ErrConfigRejected}))
	assert.Equal(Attestation, KindOf(errors.Wrap(ErrAttestationProxyUnreachable, "dial")))
	assert.Equal(Transport, KindOf(ErrChannelTimeout))
	assert.Equal(Transport, KindOf(errors.Wrap(context.DeadlineExceeded, "submit")))
	assert.Equal("attestation", Attestation.String())
}

func TestStepError(t *testing.T) {
	assert := assert.New(t)

	err := error(&StepError{Step: StepAttest, Err: errors.Wrap(ErrMeasurementMismatch, "GetSecret")})
	assert.ErrorIs(err, ErrMeasurementMismatch)
	assert.Contains(err.Error(), "attest")

	var serr *StepError
	assert.True(errors.As(err, &serr))
	assert.Equal(StepAttest, serr.Step)
}

func TestInstanceInfo(t *testing.T) {
	assert := assert.New(t)

	info := NewInstanceInfo("1.0.0")
	assert.NotEmpty(info.ID())
	assert.Equal(StateCreated, info.State())
	assert.Equal("none", info.Snapshot().VMType)

	assert.Same(info, info.Retain())
	assert.Equal(1, info.Release())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := info.Retain()
			defer r.Release()
			_ = r.Snapshot()
		}()
	}
	assert.NoError(info.transition(StateConfigured))
	info.setMeasurement([]byte{0xde, 0xad})
	wg.Wait()

	info.fail(StepStart, ErrUnexpectedStartResponse)
	snap := info.Snapshot()
	assert.Equal(StateFailed, snap.State)
	assert.Equal("dead", snap.Measurement)
	assert.Equal(StepStart, snap.FailedStep)
	assert.ErrorIs(snap.Err, ErrUnexpectedStartResponse)
	assert.ErrorIs(info.transition(StateBooted), ErrInvalidTransition)

	assert.Equal(0, info.Release())
	assert.Equal(0, info.Release())
}
