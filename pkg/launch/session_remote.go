// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kata-containers/cvm-launch/pkg/sev/kbs"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// launchDescription tells the broker which launcher sent the request.
const launchDescription = "cvm-launch"

type remoteSession struct {
	cfg    *LaunchConfig
	broker kbs.GuestPreAttestationConfig
	client *kbs.Client

	negotiated bool
	launchID   string
}

// NewRemoteSession returns a session that hands the launch over to the
// attestation broker configured in cfg.
func NewRemoteSession(cfg *LaunchConfig, opts ...grpc.DialOption) (Session, error) {
	a := cfg.Attestation()
	boot := cfg.BootSource()
	broker := kbs.GuestPreAttestationConfig{
		Proxy:            a.Proxy,
		Keyset:           a.Keyset,
		KernelPath:       boot.KernelPath,
		InitrdPath:       boot.InitrdPath,
		FwPath:           boot.FirmwarePath,
		KernelParameters: boot.BootArgs,
		CertChainPath:    a.CertChainPath,
		SecretType:       a.SecretType,
		SecretGuid:       a.SecretGUID,
		Policy:           uint32(cfg.Policy()),
	}
	if err := broker.Valid(); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "pre-attestation: %v", err)
	}

	client, err := kbs.NewClient(broker.Target(), opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrAttestationProxyUnreachable, "%v", err)
	}

	return &remoteSession{
		cfg:    cfg,
		broker: broker,
		client: client,
	}, nil
}

func (s *remoteSession) Kind() SessionKind {
	return RemoteSession
}

func (s *remoteSession) logger() *logrus.Entry {
	return launchLog.WithFields(logrus.Fields{
		"proxy":     s.broker.Proxy,
		"launch-id": s.launchID,
	})
}

// brokerError maps a broker failure onto the attestation errors.
func brokerError(err error, call string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(ErrAttestationProxyUnreachable, "%s: %v", call, err)
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrapf(ErrAttestationProxyUnreachable, "%s: %s", call, st.Message())
	case codes.PermissionDenied, codes.FailedPrecondition:
		return errors.Wrapf(ErrMeasurementMismatch, "%s: %s", call, st.Message())
	default:
		return errors.Wrapf(ErrAttestationRejected, "%s: %s: %s", call, st.Code(), st.Message())
	}
}

func (s *remoteSession) Negotiate(ctx context.Context) (*vmm.SevStart, error) {
	if s.negotiated {
		return nil, ErrSessionNegotiated
	}
	s.negotiated = true

	chain, err := os.ReadFile(s.broker.CertChainPath)
	if err != nil {
		return nil, errors.Wrapf(ErrCertificateChainUnavailable, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Attestation().BrokerTimeout)
	defer cancel()

	s.logger().WithField("policy", s.broker.Policy).Info("requesting launch bundle")
	resp, err := s.client.GetBundle(ctx, &kbs.BundleRequest{
		CertificateChain: base64.StdEncoding.EncodeToString(chain),
		Policy:           s.broker.Policy,
	})
	if err != nil {
		return nil, brokerError(err, "GetBundle")
	}
	if resp.LaunchId == "" {
		return nil, errors.Wrap(ErrAttestationRejected, "broker returned no launch id")
	}

	godh, err := base64.StdEncoding.DecodeString(resp.GuestOwnerPublicKey)
	if err != nil {
		return nil, errors.Wrapf(ErrAttestationRejected, "guest owner key: %v", err)
	}
	blob, err := base64.StdEncoding.DecodeString(resp.LaunchBlob)
	if err != nil {
		return nil, errors.Wrapf(ErrAttestationRejected, "launch blob: %v", err)
	}

	s.launchID = resp.LaunchId
	s.broker.LaunchId = resp.LaunchId
	s.logger().Debug("launch bundle received")

	return &vmm.SevStart{
		Policy:  s.broker.Policy,
		DHCert:  godh,
		Session: blob,
	}, nil
}

// LaunchID returns the transaction id assigned by the broker.
func (s *remoteSession) LaunchID() string {
	return s.launchID
}

func (s *remoteSession) Verify(ctx context.Context, m *vmm.Measurement) (*SecretBundle, error) {
	if s.launchID == "" {
		return nil, ErrMissingTransactionID
	}
	if m == nil {
		return nil, errors.Wrap(ErrUnexpectedStartResponse, "no measurement to verify")
	}

	digest, err := launchDigest(s.cfg)
	if err != nil {
		return nil, err
	}

	req := &kbs.SecretRequest{
		LaunchMeasurement: base64.StdEncoding.EncodeToString(m.Data),
		LaunchId:          s.launchID,
		Policy:            s.broker.Policy,
		ApiMajor:          uint32(m.APIMajor),
		ApiMinor:          uint32(m.APIMinor),
		BuildId:           uint32(m.BuildID),
		FwDigest:          base64.StdEncoding.EncodeToString(digest),
		LaunchDescription: launchDescription,
		SecretRequests: []*kbs.RequestDetails{{
			Guid:       s.broker.SecretGuid,
			Format:     kbs.SecretFormat,
			SecretType: s.broker.SecretType,
			Id:         s.broker.Keyset,
		}},
		FwPath:     s.broker.FwPath,
		KernelPath: s.broker.KernelPath,
		InitrdPath: s.broker.InitrdPath,
		Cmdline:    m.Cmdline,
		FwHob:      base64.StdEncoding.EncodeToString(m.FirmwareHOB),
		VmType:     string(s.cfg.Mode()),
	}
	if req.Cmdline == "" {
		req.Cmdline = s.broker.KernelParameters
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Attestation().BrokerTimeout)
	defer cancel()

	s.logger().Info("requesting launch secret")
	resp, err := s.client.GetSecret(ctx, req)
	if err != nil {
		return nil, brokerError(err, "GetSecret")
	}

	header, err := base64.StdEncoding.DecodeString(resp.LaunchSecretHeader)
	if err != nil {
		return nil, errors.Wrapf(ErrAttestationRejected, "secret header: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.LaunchSecretData)
	if err != nil {
		return nil, errors.Wrapf(ErrAttestationRejected, "secret data: %v", err)
	}

	return &SecretBundle{
		Secrets: []vmm.Secret{{
			Header: header,
			Data:   data,
			GPA:    s.cfg.SecretGPA(),
		}},
		Resume: true,
	}, nil
}

func (s *remoteSession) Close() error {
	return s.client.Close()
}
