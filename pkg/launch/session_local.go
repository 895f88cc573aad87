// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/cvm-launch/pkg/sev"
	"github.com/kata-containers/cvm-launch/pkg/sev/session"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// defaultCPUModel is used for the SEV-ES VMSA signature when none is set.
const defaultCPUModel = "EPYC-v4"

type localSession struct {
	cfg        *LaunchConfig
	chainPaths []string

	sess       *session.Session
	negotiated bool
}

// NewLocalSession returns a session that verifies the launch against the
// platform certificate chain cached on this host.
func NewLocalSession(cfg *LaunchConfig) Session {
	paths := append([]string{cfg.Attestation().CertChainPath}, session.DefaultChainPaths()...)
	return &localSession{
		cfg:        cfg,
		chainPaths: paths,
	}
}

func (s *localSession) Kind() SessionKind {
	return LocalSession
}

func (s *localSession) Negotiate(ctx context.Context) (*vmm.SevStart, error) {
	if s.negotiated {
		return nil, ErrSessionNegotiated
	}
	s.negotiated = true

	chain, path, err := session.FindCachedChain(s.chainPaths...)
	if errors.Is(err, session.ErrChainNotFound) {
		return nil, errors.Wrapf(ErrCertificateChainUnavailable, "searched %s", strings.Join(s.chainPaths, ", "))
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCertificateChainUnavailable, "%s: %v", path, err)
	}

	policy := s.cfg.Policy()
	launchLog.WithFields(logrus.Fields{
		"chain":  path,
		"policy": policy,
	}).Info("negotiating local launch session")

	sess, err := session.New(policy)
	if err != nil {
		return nil, errors.Wrap(err, "creating launch session")
	}
	start, err := sess.Start(chain)
	if err != nil {
		return nil, errors.Wrap(err, "starting launch session")
	}
	s.sess = sess

	return &vmm.SevStart{
		Policy:  uint32(start.Policy),
		DHCert:  start.DHCert.Marshal(),
		Session: start.Session,
	}, nil
}

func (s *localSession) Verify(ctx context.Context, m *vmm.Measurement) (*SecretBundle, error) {
	if s.sess == nil {
		return nil, errors.Wrap(ErrInvalidTransition, "verify before the session was negotiated")
	}
	if m == nil {
		return nil, errors.Wrap(ErrUnexpectedStartResponse, "no measurement to verify")
	}

	pm, err := session.ParseMeasurement(m.Data)
	if err != nil {
		return nil, errors.Wrapf(ErrMeasurementVerificationFailed, "%v", err)
	}

	var digests [][]byte
	if s.cfg.Attestation().VerifyLaunchDigest {
		digest, err := launchDigest(s.cfg)
		if err != nil {
			return nil, err
		}
		if digest == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "no firmware to compute the launch digest from")
		}
		digests = append(digests, digest)
	}

	build := session.Build{APIMajor: m.APIMajor, APIMinor: m.APIMinor, BuildID: m.BuildID}
	if err := s.sess.Verify(digests, build, pm); err != nil {
		return nil, errors.Wrapf(ErrMeasurementVerificationFailed, "measurement %x", m.Data)
	}

	code := AppCode(s.cfg.Mode())
	secret, err := s.sess.Secret(0, code[:])
	if err != nil {
		return nil, errors.Wrap(err, "wrapping launch secret")
	}

	return &SecretBundle{
		Secrets: []vmm.Secret{{
			Header: secret.Header(),
			Data:   secret.Ciphertext,
			GPA:    s.cfg.SecretGPA(),
		}},
		Resume: true,
	}, nil
}

func (s *localSession) Close() error {
	return nil
}

// launchDigest computes the expected launch digest of cfg. It returns nil
// when no firmware is configured, since nothing can be measured then.
func launchDigest(cfg *LaunchConfig) ([]byte, error) {
	boot := cfg.BootSource()
	if boot.FirmwarePath == "" {
		return nil, nil
	}

	in := sev.DigestInput{
		FirmwarePath:   boot.FirmwarePath,
		KernelPath:     boot.KernelPath,
		InitrdPath:     boot.InitrdPath,
		Cmdline:        boot.BootArgs,
		EncryptedState: cfg.Policy().Has(session.PolicyEncryptedState),
		VCPUs:          int(cfg.VMConfig().VCPUCount),
	}
	if in.EncryptedState {
		model := cfg.Attestation().CPUModel
		if model == "" {
			model = defaultCPUModel
		}
		sig, err := sev.VCPUSigForModel(model)
		if err != nil {
			return nil, err
		}
		in.VCPUSig = sig
	}

	digest, err := in.Compute()
	if err != nil {
		return nil, errors.Wrap(err, "computing launch digest")
	}
	return digest[:], nil
}
