// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrChainNotFound is returned when no cached certificate chain exists.
var ErrChainNotFound = errors.New("no cached SEV certificate chain found")

const systemChainPath = "/var/cache/amd-sev/chain"

// Chain is the platform certificate chain as written by
// `sevctl export --full`: PDH, PEK, OCA and CEK followed by the AMD CA part
// (ASK, ARK), which is kept opaque.
type Chain struct {
	PDH *Certificate
	PEK *Certificate
	OCA *Certificate
	CEK *Certificate
	CA  []byte
}

// ParseChain decodes a full chain.
func ParseChain(b []byte) (*Chain, error) {
	if len(b) < 4*CertificateSize {
		return nil, errors.Errorf("short SEV certificate chain: %d bytes", len(b))
	}

	var certs [4]*Certificate
	for i := range certs {
		c, err := UnmarshalCertificate(b[i*CertificateSize:])
		if err != nil {
			return nil, err
		}
		certs[i] = c
	}

	chain := &Chain{
		PDH: certs[0],
		PEK: certs[1],
		OCA: certs[2],
		CEK: certs[3],
		CA:  append([]byte(nil), b[4*CertificateSize:]...),
	}

	if chain.PDH.Usage != UsagePDH {
		return nil, errors.Errorf("first certificate is %s, expected PDH", chain.PDH.Usage)
	}

	return chain, nil
}

// Marshal encodes the chain in the `sevctl export --full` layout.
func (c *Chain) Marshal() []byte {
	b := make([]byte, 0, 4*CertificateSize+len(c.CA))
	for _, cert := range []*Certificate{c.PDH, c.PEK, c.OCA, c.CEK} {
		b = append(b, cert.Marshal()...)
	}
	return append(b, c.CA...)
}

// LoadChain reads a chain file.
func LoadChain(path string) (*Chain, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	chain, err := ParseChain(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return chain, nil
}

// DefaultChainPaths lists where sevctl caches the chain, user cache first.
func DefaultChainPaths() []string {
	var paths []string
	if dir, err := os.UserCacheDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "amd-sev", "chain"))
	}
	return append(paths, systemChainPath)
}

// FindCachedChain loads the first chain that exists among paths. A chain
// that exists but cannot be parsed is an error.
func FindCachedChain(paths ...string) (*Chain, string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		chain, err := LoadChain(p)
		if err != nil {
			return nil, p, err
		}
		return chain, p, nil
	}

	return nil, "", ErrChainNotFound
}
