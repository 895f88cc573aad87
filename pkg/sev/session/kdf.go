// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// kdf is the NIST SP800-108 KDF in counter mode with HMAC-SHA256 used by
// SEV firmware.
func kdf(key []byte, label string, context []byte, size int) []byte {
	out := make([]byte, 0, size+sha256.Size)

	for ctr := uint32(1); len(out) < size; ctr++ {
		mac := hmac.New(sha256.New, key)
		mac.Write(binary.LittleEndian.AppendUint32(nil, ctr))
		mac.Write([]byte(label))
		mac.Write([]byte{0})
		mac.Write(context)
		mac.Write(binary.LittleEndian.AppendUint32(nil, uint32(size*8)))
		out = mac.Sum(out)
	}

	return out[:size]
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// aesCTR encrypts or decrypts data with AES-128-CTR.
func aesCTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}
