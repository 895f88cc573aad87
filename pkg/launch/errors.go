// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// ErrorKind tells operators whether infrastructure broke or trust was not
// established.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// Precondition errors are detected before any side effect.
	Precondition
	// Protocol errors mean the VM worker rejected or misanswered a request.
	Protocol
	// Attestation errors mean the platform could not be trusted.
	Attestation
	// Transport errors mean the control channel or network broke.
	Transport
)

func (k ErrorKind) String() string {
	switch k {
	case Precondition:
		return "precondition"
	case Protocol:
		return "protocol"
	case Attestation:
		return "attestation"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Precondition errors.
var (
	ErrMissingKernelPath           = errors.New("kernel path is required")
	ErrMissingRootfs               = errors.New("root filesystem path is required")
	ErrInvalidConfig               = errors.New("invalid launch configuration")
	ErrCertificateChainUnavailable = errors.New("platform certificate chain unavailable")
	ErrMissingTransactionID        = errors.New("no attestation transaction id")
	ErrInvalidTransition           = errors.New("invalid launch state transition")
	ErrSessionNegotiated           = errors.New("launch session already negotiated")
)

// Protocol errors.
var (
	ErrConfigRejected          = errors.New("configuration rejected by the VM")
	ErrUnexpectedStartResponse = errors.New("start did not return a launch measurement")
	ErrInjectRejected          = errors.New("secret injection rejected by the VM")
)

// Attestation errors.
var (
	ErrMeasurementVerificationFailed = errors.New("launch measurement verification failed")
	ErrAttestationRejected           = errors.New("attestation rejected by the broker")
	ErrMeasurementMismatch           = errors.New("broker reported a measurement mismatch")
	ErrAttestationProxyUnreachable   = errors.New("attestation proxy unreachable")
)

// Transport errors, shared with the control channel.
var (
	ErrChannelTimeout = vmm.ErrChannelTimeout
	ErrChannelClosed  = vmm.ErrChannelClosed
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrMissingKernelPath, Precondition},
	{ErrMissingRootfs, Precondition},
	{ErrInvalidConfig, Precondition},
	{ErrCertificateChainUnavailable, Precondition},
	{ErrMissingTransactionID, Precondition},
	{ErrInvalidTransition, Precondition},
	{ErrSessionNegotiated, Precondition},
	{ErrConfigRejected, Protocol},
	{ErrUnexpectedStartResponse, Protocol},
	{ErrInjectRejected, Protocol},
	{ErrMeasurementVerificationFailed, Attestation},
	{ErrAttestationRejected, Attestation},
	{ErrMeasurementMismatch, Attestation},
	{ErrAttestationProxyUnreachable, Attestation},
	{ErrChannelTimeout, Transport},
	{ErrChannelClosed, Transport},
	{context.DeadlineExceeded, Transport},
	{context.Canceled, Transport},
}

// KindOf classifies an error returned by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// StepError records which launch step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("launch step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
