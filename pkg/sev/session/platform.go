// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

// Platform simulates the firmware side of the legacy launch protocol. It
// owns a PDH key pair and plays LAUNCH_START, LAUNCH_MEASURE and
// LAUNCH_SECRET against guest owner input.
type Platform struct {
	build Build
	pdh   *ecdh.PrivateKey
	chain *Chain
}

// NewPlatform creates a platform with a fresh PDH.
func NewPlatform(build Build) (*Platform, error) {
	pdh, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	chain := &Chain{
		PDH: newECDHCertificate(UsagePDH, pdh.PublicKey()),
		CA:  []byte("ask+ark"),
	}
	for _, c := range []struct {
		usage Usage
		cert  **Certificate
	}{
		{UsagePEK, &chain.PEK},
		{UsageOCA, &chain.OCA},
		{UsageCEK, &chain.CEK},
	} {
		key, err := ecdh.P384().GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		*c.cert = newECDHCertificate(c.usage, key.PublicKey())
	}

	return &Platform{build: build, pdh: pdh, chain: chain}, nil
}

// Build returns the simulated firmware build.
func (p *Platform) Build() Build {
	return p.build
}

// Chain returns the platform certificate chain.
func (p *Platform) Chain() *Chain {
	return p.chain
}

// GuestContext is the platform state of one launched guest.
type GuestContext struct {
	build   Build
	policy  Policy
	tek     []byte
	tik     []byte
	measure []byte
}

// LaunchStart unwraps the transport keys from the guest owner DH
// certificate and session blob.
func (p *Platform) LaunchStart(policy Policy, dhCert, blob []byte) (*GuestContext, error) {
	if len(blob) != SessionBlobSize {
		return nil, errors.Errorf("session blob is %d bytes, expected %d", len(blob), SessionBlobSize)
	}

	cert, err := UnmarshalCertificate(dhCert)
	if err != nil {
		return nil, err
	}
	godh, err := cert.ECDHPublicKey()
	if err != nil {
		return nil, err
	}

	z, err := sharedSecret(p.pdh, godh)
	if err != nil {
		return nil, err
	}

	nonce := blob[0:16]
	wrapped := blob[16:48]
	iv := blob[48:64]
	wrapMAC := blob[64:96]
	policyMAC := blob[96:128]

	kek, kik := deriveWrapKeys(z, nonce)
	if !hmac.Equal(hmacSHA256(kik, wrapped), wrapMAC) {
		return nil, errors.New("session wrap MAC mismatch")
	}

	keys, err := aesCTR(kek, iv, wrapped)
	if err != nil {
		return nil, err
	}

	gctx := &GuestContext{
		build:  p.build,
		policy: policy,
		tek:    keys[:keySize],
		tik:    keys[keySize:],
	}
	if !hmac.Equal(hmacSHA256(gctx.tik, policyBytes(policy)), policyMAC) {
		return nil, errors.New("policy MAC mismatch")
	}

	return gctx, nil
}

// Measure finalizes the launch digest and returns LAUNCH_MEASURE output.
func (g *GuestContext) Measure(digest []byte) (Measurement, error) {
	var m Measurement
	if _, err := io.ReadFull(rand.Reader, m.MNonce[:]); err != nil {
		return m, err
	}

	copy(m.Measure[:], measure(g.tik, g.build, g.policy, digest, m.MNonce[:]))
	g.measure = m.Measure[:]
	return m, nil
}

// InjectSecret authenticates and decrypts a LAUNCH_SECRET packet.
func (g *GuestContext) InjectSecret(header, ciphertext []byte) ([]byte, error) {
	if g.measure == nil {
		return nil, errors.New("guest not measured")
	}

	secret, err := ParseSecretHeader(header)
	if err != nil {
		return nil, err
	}
	secret.Ciphertext = ciphertext

	// the plaintext length equals the ciphertext length under CTR
	if !hmac.Equal(secretMAC(g.tik, secret, len(ciphertext), g.measure), secret.MAC[:]) {
		return nil, errors.New("secret MAC mismatch")
	}

	return aesCTR(g.tek, secret.IV[:], ciphertext)
}

// Policy returns the policy the guest was launched with.
func (g *GuestContext) Policy() Policy {
	return g.policy
}
