// Copyright contributors to AMD SEV/-ES in Go
//
// SPDX-License-Identifier: Apache-2.0
//

// Package kbs talks to simple-kbs, the key broker server for SEV and
// SEV-ES pre-attestation.
package kbs

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Offline           = "offline"
	OfflineSecretType = "bundle"
	OfflineSecretGuid = "e6f5a162-d67f-4750-a67c-5d065f2a9910"
	Online            = "online"
	OnlineBootParam   = "online_sev_kbc"
	OnlineSecretType  = "connection"
	OnlineSecretGuid  = "1ee27366-0c87-43a6-af48-28543eaf7cb0"

	// DefaultKeyset is the keyset requested when none is configured.
	DefaultKeyset = "KEYSET-1"

	// DefaultPort is the simple-kbs gRPC port.
	DefaultPort = "44444"

	// SecretFormat is the only format simple-kbs serves.
	SecretFormat = "JSON"
)

// GuestPreAttestationConfig holds everything the broker needs across the
// two phases of a pre-attested launch.
type GuestPreAttestationConfig struct {
	Proxy            string
	Keyset           string
	LaunchId         string
	KernelPath       string
	InitrdPath       string
	FwPath           string
	KernelParameters string
	CertChainPath    string
	SecretType       string
	SecretGuid       string
	Policy           uint32
}

// Valid checks the fields required before contacting the broker.
func (c *GuestPreAttestationConfig) Valid() error {
	if c.Proxy == "" {
		return errors.New("Missing attestation proxy")
	}
	if c.CertChainPath == "" {
		return errors.New("Missing certificate chain path")
	}
	if c.Keyset == "" {
		return errors.New("Missing keyset")
	}
	if _, err := uuid.Parse(c.SecretGuid); err != nil {
		return errors.Wrapf(err, "Invalid secret guid %q", c.SecretGuid)
	}
	return nil
}

// Target turns the proxy setting into a gRPC target, accepting both
// host:port and http://host:port.
func (c *GuestPreAttestationConfig) Target() string {
	target := c.Proxy
	for _, scheme := range []string{"http://", "https://", "grpc://"} {
		target = strings.TrimPrefix(target, scheme)
	}
	target = strings.TrimSuffix(target, "/")

	if !strings.Contains(target, ":") {
		target += ":" + DefaultPort
	}
	return target
}
