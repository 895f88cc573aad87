// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package session implements the guest owner side of the SEV legacy launch
// protocol: LAUNCH_START session negotiation against the platform PDH,
// LAUNCH_MEASURE verification and LAUNCH_SECRET packaging.
package session

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	keySize   = 16
	nonceSize = 16

	// SessionBlobSize is the size of the LAUNCH_START session buffer:
	// nonce, wrapped TEK||TIK, wrap IV, wrap MAC and policy MAC.
	SessionBlobSize = nonceSize + 2*keySize + 16 + sha256.Size + sha256.Size

	// MeasurementSize is the size of the LAUNCH_MEASURE output.
	MeasurementSize = sha256.Size + nonceSize

	// HeaderSize is the size of a LAUNCH_SECRET packet header.
	HeaderSize = 4 + 16 + sha256.Size
)

// Contexts mixed into the firmware MACs.
const (
	contextSecret  = 0x01
	contextMeasure = 0x04
)

var (
	// ErrBadMeasurement is returned when the launch measurement does not
	// match any expected digest.
	ErrBadMeasurement = errors.New("launch measurement verification failed")

	// ErrNotVerified is returned when a secret is requested before the
	// measurement has been verified.
	ErrNotVerified = errors.New("launch measurement not verified")
)

// Build identifies the platform firmware.
type Build struct {
	APIMajor uint8
	APIMinor uint8
	BuildID  uint8
}

// Measurement is the LAUNCH_MEASURE output.
type Measurement struct {
	Measure [sha256.Size]byte
	MNonce  [nonceSize]byte
}

// ParseMeasurement decodes measure || mnonce.
func ParseMeasurement(b []byte) (Measurement, error) {
	var m Measurement
	if len(b) != MeasurementSize {
		return m, errors.Errorf("launch measurement is %d bytes, expected %d", len(b), MeasurementSize)
	}
	copy(m.Measure[:], b)
	copy(m.MNonce[:], b[sha256.Size:])
	return m, nil
}

// Bytes encodes measure || mnonce.
func (m Measurement) Bytes() []byte {
	return append(append([]byte(nil), m.Measure[:]...), m.MNonce[:]...)
}

// Start is the guest owner input to LAUNCH_START.
type Start struct {
	Policy  Policy
	DHCert  *Certificate
	Session []byte
}

// HeaderFlags are the LAUNCH_SECRET header flags.
type HeaderFlags uint32

// HeaderCompressed marks the secret as compressed.
const HeaderCompressed HeaderFlags = 1

// Secret is a LAUNCH_SECRET packet.
type Secret struct {
	Flags      HeaderFlags
	IV         [16]byte
	MAC        [sha256.Size]byte
	Ciphertext []byte
}

// Header encodes the packet header: flags, iv, mac.
func (s *Secret) Header() []byte {
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, HeaderSize), uint32(s.Flags))
	b = append(b, s.IV[:]...)
	return append(b, s.MAC[:]...)
}

// ParseSecretHeader decodes a packet header.
func ParseSecretHeader(b []byte) (*Secret, error) {
	if len(b) != HeaderSize {
		return nil, errors.Errorf("secret header is %d bytes, expected %d", len(b), HeaderSize)
	}
	s := &Secret{Flags: HeaderFlags(binary.LittleEndian.Uint32(b))}
	copy(s.IV[:], b[4:20])
	copy(s.MAC[:], b[20:])
	return s, nil
}

// Session holds the transport keys of one launch. It must not be reused
// across launches.
type Session struct {
	policy  Policy
	tek     []byte
	tik     []byte
	measure *[sha256.Size]byte
	rand    io.Reader
}

// New creates a session with fresh transport keys.
func New(policy Policy) (*Session, error) {
	return newWithRand(policy, rand.Reader)
}

func newWithRand(policy Policy, r io.Reader) (*Session, error) {
	keys := make([]byte, 2*keySize)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, errors.Wrap(err, "generating transport keys")
	}

	return &Session{
		policy: policy,
		tek:    keys[:keySize],
		tik:    keys[keySize:],
		rand:   r,
	}, nil
}

// Policy returns the guest policy the session was created with.
func (s *Session) Policy() Policy {
	return s.policy
}

// Start wraps the transport keys for the platform owning chain.PDH.
func (s *Session) Start(chain *Chain) (*Start, error) {
	if chain == nil || chain.PDH == nil {
		return nil, errors.New("certificate chain has no PDH")
	}

	pdh, err := chain.PDH.ECDHPublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "PDH public key")
	}

	godh, err := ecdh.P384().GenerateKey(s.rand)
	if err != nil {
		return nil, errors.Wrap(err, "generating guest owner DH key")
	}

	z, err := sharedSecret(godh, pdh)
	if err != nil {
		return nil, err
	}

	var nonce, iv [16]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.rand, iv[:]); err != nil {
		return nil, err
	}

	kek, kik := deriveWrapKeys(z, nonce[:])

	wrapped, err := aesCTR(kek, iv[:], append(append([]byte(nil), s.tek...), s.tik...))
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, SessionBlobSize)
	blob = append(blob, nonce[:]...)
	blob = append(blob, wrapped...)
	blob = append(blob, iv[:]...)
	blob = append(blob, hmacSHA256(kik, wrapped)...)
	blob = append(blob, hmacSHA256(s.tik, policyBytes(s.policy))...)

	return &Start{
		Policy:  s.policy,
		DHCert:  newECDHCertificate(UsagePDH, godh.PublicKey()),
		Session: blob,
	}, nil
}

// Verify checks the measurement against the expected launch digests. An
// empty list checks against an empty digest. Once verified the session can
// produce secrets.
func (s *Session) Verify(digests [][]byte, build Build, m Measurement) error {
	if len(digests) == 0 {
		digests = [][]byte{nil}
	}

	for _, d := range digests {
		expected := measure(s.tik, build, s.policy, d, m.MNonce[:])
		if hmac.Equal(expected, m.Measure[:]) {
			s.measure = &m.Measure
			return nil
		}
	}

	return ErrBadMeasurement
}

// Verified reports whether Verify succeeded.
func (s *Session) Verified() bool {
	return s.measure != nil
}

// Secret encrypts data for LAUNCH_SECRET.
func (s *Session) Secret(flags HeaderFlags, data []byte) (*Secret, error) {
	if s.measure == nil {
		return nil, ErrNotVerified
	}

	secret := &Secret{Flags: flags}
	if _, err := io.ReadFull(s.rand, secret.IV[:]); err != nil {
		return nil, err
	}

	ct, err := aesCTR(s.tek, secret.IV[:], data)
	if err != nil {
		return nil, err
	}
	secret.Ciphertext = ct

	copy(secret.MAC[:], secretMAC(s.tik, secret, len(data), s.measure[:]))
	return secret, nil
}

func sharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	z, err := priv.ECDH(pub)
	if err != nil {
		return nil, errors.Wrap(err, "ECDH")
	}

	// firmware consumes the shared x coordinate little endian
	le := make([]byte, len(z))
	putReversed(le, z)
	return le, nil
}

func deriveWrapKeys(z, nonce []byte) (kek, kik []byte) {
	master := kdf(z, "sev-master-secret", nonce, keySize)
	return kdf(master, "sev-kek", nil, keySize), kdf(master, "sev-kik", nil, keySize)
}

func policyBytes(p Policy) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(p))
}

func measure(tik []byte, build Build, policy Policy, digest, mnonce []byte) []byte {
	return hmacSHA256(tik,
		[]byte{contextMeasure, build.APIMajor, build.APIMinor, build.BuildID},
		policyBytes(policy),
		digest,
		mnonce)
}

func secretMAC(tik []byte, s *Secret, plainLen int, measure []byte) []byte {
	return hmacSHA256(tik,
		[]byte{contextSecret},
		binary.LittleEndian.AppendUint32(nil, uint32(s.Flags)),
		s.IV[:],
		binary.LittleEndian.AppendUint32(nil, uint32(plainLen)),
		binary.LittleEndian.AppendUint32(nil, uint32(len(s.Ciphertext))),
		s.Ciphertext,
		measure)
}
