// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBuild = Build{APIMajor: 0, APIMinor: 24, BuildID: 15}

func launch(t *testing.T, policy Policy) (*Session, *GuestContext) {
	p, err := NewPlatform(testBuild)
	require.NoError(t, err)

	s, err := New(policy)
	require.NoError(t, err)

	start, err := s.Start(p.Chain())
	require.NoError(t, err)
	assert.Equal(t, policy, start.Policy)
	assert.Len(t, start.Session, SessionBlobSize)
	assert.Equal(t, UsagePDH, start.DHCert.Usage)

	gctx, err := p.LaunchStart(start.Policy, start.DHCert.Marshal(), start.Session)
	require.NoError(t, err)
	return s, gctx
}

func TestLaunchRoundTrip(t *testing.T) {
	assert := assert.New(t)

	s, gctx := launch(t, PolicyNoDebug|PolicyNoKeySharing|PolicyEncryptedState)

	m, err := gctx.Measure(nil)
	assert.NoError(err)

	assert.NoError(s.Verify(nil, testBuild, m))
	assert.True(s.Verified())

	payload := make([]byte, 16)
	secret, err := s.Secret(0, payload)
	assert.NoError(err)
	assert.NotEmpty(secret.Ciphertext)
	assert.Len(secret.Header(), HeaderSize)

	plain, err := gctx.InjectSecret(secret.Header(), secret.Ciphertext)
	assert.NoError(err)
	assert.Equal(payload, plain)
}

func TestVerifyWithDigest(t *testing.T) {
	assert := assert.New(t)

	s, gctx := launch(t, PolicyNoDebug)
	digest := bytes.Repeat([]byte{0x5a}, 32)

	m, err := gctx.Measure(digest)
	assert.NoError(err)

	assert.ErrorIs(s.Verify(nil, testBuild, m), ErrBadMeasurement)
	assert.NoError(s.Verify([][]byte{{1, 2, 3}, digest}, testBuild, m))
}

func TestVerifyRejectsTamperedMeasurement(t *testing.T) {
	assert := assert.New(t)

	s, gctx := launch(t, PolicyNoDebug|PolicyEncryptedState)
	m, err := gctx.Measure(nil)
	assert.NoError(err)

	tampered := m
	tampered.Measure[0] ^= 0xff
	assert.ErrorIs(s.Verify(nil, testBuild, tampered), ErrBadMeasurement)

	otherBuild := testBuild
	otherBuild.BuildID++
	assert.ErrorIs(s.Verify(nil, otherBuild, m), ErrBadMeasurement)

	assert.False(s.Verified())
	_, err = s.Secret(0, []byte("secret"))
	assert.ErrorIs(err, ErrNotVerified)
}

func TestLaunchStartRejectsForeignSession(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPlatform(testBuild)
	assert.NoError(err)
	other, err := NewPlatform(testBuild)
	assert.NoError(err)

	s, err := New(PolicyNoDebug)
	assert.NoError(err)

	// negotiated against another platform's PDH
	start, err := s.Start(other.Chain())
	assert.NoError(err)
	_, err = p.LaunchStart(start.Policy, start.DHCert.Marshal(), start.Session)
	assert.Error(err)

	// policy changed after negotiation
	start, err = s.Start(p.Chain())
	assert.NoError(err)
	_, err = p.LaunchStart(start.Policy|PolicyNoSend, start.DHCert.Marshal(), start.Session)
	assert.Error(err)

	_, err = p.LaunchStart(start.Policy, start.DHCert.Marshal(), start.Session[:10])
	assert.Error(err)
}

func TestInjectSecretRejectsTamperedCiphertext(t *testing.T) {
	assert := assert.New(t)

	s, gctx := launch(t, PolicyNoDebug)
	m, err := gctx.Measure(nil)
	assert.NoError(err)
	assert.NoError(s.Verify(nil, testBuild, m))

	secret, err := s.Secret(0, []byte("tenant secret"))
	assert.NoError(err)

	ct := append([]byte(nil), secret.Ciphertext...)
	ct[0] ^= 1
	_, err = gctx.InjectSecret(secret.Header(), ct)
	assert.Error(err)
}

func TestMeasurementEncoding(t *testing.T) {
	assert := assert.New(t)

	raw := make([]byte, MeasurementSize)
	_, err := rand.Read(raw)
	assert.NoError(err)

	m, err := ParseMeasurement(raw)
	assert.NoError(err)
	assert.Equal(raw, m.Bytes())

	_, err = ParseMeasurement(raw[:10])
	assert.Error(err)
}

func TestCertificateEncoding(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPlatform(testBuild)
	assert.NoError(err)

	pdh := p.Chain().PDH
	decoded, err := UnmarshalCertificate(pdh.Marshal())
	assert.NoError(err)
	assert.Equal(pdh, decoded)

	k1, err := pdh.ECDHPublicKey()
	assert.NoError(err)
	assert.True(k1.Equal(p.pdh.PublicKey()))

	_, err = UnmarshalCertificate(make([]byte, 12))
	assert.Error(err)

	notECDH := *pdh
	notECDH.Algo = AlgoECDSASHA256
	_, err = notECDH.ECDHPublicKey()
	assert.Error(err)
}

func TestChainFiles(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPlatform(testBuild)
	assert.NoError(err)

	dir := t.TempDir()
	path := filepath.Join(dir, "chain")
	assert.NoError(os.WriteFile(path, p.Chain().Marshal(), 0o600))

	chain, found, err := FindCachedChain(filepath.Join(dir, "missing"), "", path)
	assert.NoError(err)
	assert.Equal(path, found)
	assert.Equal(p.Chain(), chain)

	_, _, err = FindCachedChain(filepath.Join(dir, "missing"))
	assert.ErrorIs(err, ErrChainNotFound)

	bad := filepath.Join(dir, "bad")
	assert.NoError(os.WriteFile(bad, []byte("not a chain"), 0o600))
	_, found, err = FindCachedChain(bad, path)
	assert.Error(err)
	assert.Equal(bad, found)

	// PEK first is not a valid export
	swapped := *p.Chain()
	swapped.PDH, swapped.PEK = swapped.PEK, swapped.PDH
	_, err = ParseChain(swapped.Marshal())
	assert.Error(err)

	assert.NotEmpty(DefaultChainPaths())
	assert.Equal(systemChainPath, DefaultChainPaths()[len(DefaultChainPaths())-1])
}

func TestPolicyString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("none", Policy(0).String())
	assert.Equal("nodbg|noks|es", (PolicyNoDebug | PolicyNoKeySharing | PolicyEncryptedState).String())
	assert.True(Policy(0x7).Has(PolicyEncryptedState))
	assert.False(Policy(0x3).Has(PolicyEncryptedState))
}

func TestKDF(t *testing.T) {
	assert := assert.New(t)

	key := []byte("0123456789abcdef")
	a := kdf(key, "sev-kek", nil, 16)
	assert.Len(a, 16)
	assert.Equal(a, kdf(key, "sev-kek", nil, 16))
	assert.NotEqual(a, kdf(key, "sev-kik", nil, 16))

	// longer outputs extend shorter ones only through the length field
	long := kdf(key, "sev-kek", nil, 48)
	assert.Len(long, 48)
	assert.NotEqual(a, long[:16])
}
