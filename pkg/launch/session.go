// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"

	"google.golang.org/grpc"

	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// SessionKind tells the local and the remote attestation sessions apart.
type SessionKind int

const (
	// LocalSession verifies the measurement on the host.
	LocalSession SessionKind = iota
	// RemoteSession delegates to an attestation broker.
	RemoteSession
)

func (k SessionKind) String() string {
	if k == RemoteSession {
		return "remote"
	}
	return "local"
}

// Application codes injected by the local session. They differ per mode
// and must be preserved exactly.
var (
	AppCodeSEVES = [16]byte{}
	AppCodeSEV   = [16]byte{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53}
)

// AppCode returns the application code injected for mode.
func AppCode(mode Mode) [16]byte {
	if mode == ModeSEV {
		return AppCodeSEV
	}
	return AppCodeSEVES
}

// SecretBundle is what gets injected once the launch is trusted.
type SecretBundle struct {
	Secrets []vmm.Secret
	Resume  bool
}

// Session negotiates the launch with the platform and decides whether the
// launch measurement can be trusted.
type Session interface {
	Kind() SessionKind
	// Negotiate returns the LAUNCH_START input. It runs at most once.
	Negotiate(ctx context.Context) (*vmm.SevStart, error)
	// Verify checks the measurement and returns the secrets to inject.
	Verify(ctx context.Context, m *vmm.Measurement) (*SecretBundle, error)
	Close() error
}

// NewSession returns the session matching cfg. The dial options only apply
// to remote sessions.
func NewSession(cfg *LaunchConfig, opts ...grpc.DialOption) (Session, error) {
	if cfg.Attestation().PreAttestation {
		return NewRemoteSession(cfg, opts...)
	}
	return NewLocalSession(cfg), nil
}
