// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"crypto/ecdh"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Usage identifies the role of a key in the SEV certificate chain.
type Usage uint32

const (
	UsageARK     Usage = 0x0000
	UsageASK     Usage = 0x0013
	UsageInvalid Usage = 0x1000
	UsageOCA     Usage = 0x1001
	UsagePEK     Usage = 0x1002
	UsagePDH     Usage = 0x1003
	UsageCEK     Usage = 0x1004
)

func (u Usage) String() string {
	switch u {
	case UsageARK:
		return "ARK"
	case UsageASK:
		return "ASK"
	case UsageInvalid:
		return "invalid"
	case UsageOCA:
		return "OCA"
	case UsagePEK:
		return "PEK"
	case UsagePDH:
		return "PDH"
	case UsageCEK:
		return "CEK"
	}
	return fmt.Sprintf("Usage(%#x)", uint32(u))
}

// Algorithm is the key or signature algorithm of a certificate field.
type Algorithm uint32

const (
	AlgoNone        Algorithm = 0x000
	AlgoRSASHA256   Algorithm = 0x001
	AlgoECDSASHA256 Algorithm = 0x002
	AlgoECDHSHA256  Algorithm = 0x003
	AlgoRSASHA384   Algorithm = 0x101
	AlgoECDSASHA384 Algorithm = 0x102
	AlgoECDHSHA384  Algorithm = 0x103
)

// curveP384 is the SEV curve id of NIST P-384.
const curveP384 = 2

const (
	// CertificateSize is the encoded size of an SEV certificate.
	CertificateSize = 0x824

	certPubKeyOff  = 0x010
	certPubKeySize = 0x404
	certSig1Off    = 0x414
	certSig2Off    = 0x61c
	certSigSize    = 0x200

	// EC coordinates are stored little endian, zero padded to 72 bytes.
	ecCoordSize = 0x48
	p384Size    = 48
)

// Signature is one of the two signature slots of a certificate. Signatures
// are carried but not validated.
type Signature struct {
	Usage Usage
	Algo  Algorithm
	Sig   [certSigSize]byte
}

// Certificate is an SEV platform certificate (PDH, PEK, OCA or CEK).
type Certificate struct {
	Version  uint32
	APIMajor uint8
	APIMinor uint8
	Usage    Usage
	Algo     Algorithm
	PubKey   [certPubKeySize]byte
	Sigs     [2]Signature
}

// UnmarshalCertificate decodes a certificate from its wire form.
func UnmarshalCertificate(b []byte) (*Certificate, error) {
	if len(b) < CertificateSize {
		return nil, errors.Errorf("short SEV certificate: %d bytes", len(b))
	}

	c := &Certificate{
		Version:  binary.LittleEndian.Uint32(b[0x000:]),
		APIMajor: b[0x004],
		APIMinor: b[0x005],
		Usage:    Usage(binary.LittleEndian.Uint32(b[0x008:])),
		Algo:     Algorithm(binary.LittleEndian.Uint32(b[0x00c:])),
	}
	copy(c.PubKey[:], b[certPubKeyOff:certPubKeyOff+certPubKeySize])

	for i, off := range []int{certSig1Off, certSig2Off} {
		c.Sigs[i].Usage = Usage(binary.LittleEndian.Uint32(b[off:]))
		c.Sigs[i].Algo = Algorithm(binary.LittleEndian.Uint32(b[off+4:]))
		copy(c.Sigs[i].Sig[:], b[off+8:off+8+certSigSize])
	}

	return c, nil
}

// Marshal encodes the certificate in its wire form.
func (c *Certificate) Marshal() []byte {
	b := make([]byte, CertificateSize)

	binary.LittleEndian.PutUint32(b[0x000:], c.Version)
	b[0x004] = c.APIMajor
	b[0x005] = c.APIMinor
	binary.LittleEndian.PutUint32(b[0x008:], uint32(c.Usage))
	binary.LittleEndian.PutUint32(b[0x00c:], uint32(c.Algo))
	copy(b[certPubKeyOff:], c.PubKey[:])

	for i, off := range []int{certSig1Off, certSig2Off} {
		binary.LittleEndian.PutUint32(b[off:], uint32(c.Sigs[i].Usage))
		binary.LittleEndian.PutUint32(b[off+4:], uint32(c.Sigs[i].Algo))
		copy(b[off+8:], c.Sigs[i].Sig[:])
	}

	return b
}

// ECDHPublicKey returns the P-384 key of an ECDH certificate such as the PDH.
func (c *Certificate) ECDHPublicKey() (*ecdh.PublicKey, error) {
	if c.Algo != AlgoECDHSHA256 && c.Algo != AlgoECDHSHA384 {
		return nil, errors.Errorf("%s certificate is not an ECDH key (algo %#x)", c.Usage, uint32(c.Algo))
	}
	if curve := binary.LittleEndian.Uint32(c.PubKey[0:4]); curve != curveP384 {
		return nil, errors.Errorf("unsupported curve %d", curve)
	}

	// uncompressed point: 0x04 || X || Y, big endian
	point := make([]byte, 1+2*p384Size)
	point[0] = 0x04
	putReversed(point[1:1+p384Size], c.PubKey[4:4+p384Size])
	putReversed(point[1+p384Size:], c.PubKey[4+ecCoordSize:4+ecCoordSize+p384Size])

	return ecdh.P384().NewPublicKey(point)
}

// newECDHCertificate wraps a P-384 public key in an unsigned certificate.
func newECDHCertificate(usage Usage, pub *ecdh.PublicKey) *Certificate {
	c := &Certificate{
		Version: 1,
		Usage:   usage,
		Algo:    AlgoECDHSHA256,
	}
	c.Sigs[0].Usage = UsageInvalid
	c.Sigs[1].Usage = UsageInvalid

	point := pub.Bytes()
	binary.LittleEndian.PutUint32(c.PubKey[0:4], curveP384)
	putReversed(c.PubKey[4:4+p384Size], point[1:1+p384Size])
	putReversed(c.PubKey[4+ecCoordSize:4+ecCoordSize+p384Size], point[1+p384Size:])

	return c
}

func putReversed(dst, src []byte) {
	for i := range src {
		dst[len(src)-1-i] = src[i]
	}
}
