// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package kbs

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Messages of the keybroker gRPC service. Binary payloads are carried as
// base64 strings, as simple-kbs expects.

type BundleRequest struct {
	CertificateChain string
	Policy           uint32
}

type BundleResponse struct {
	GuestOwnerPublicKey string
	LaunchBlob          string
	LaunchId            string
}

type RequestDetails struct {
	Guid       string
	Format     string
	SecretType string
	Id         string
}

type SecretRequest struct {
	LaunchMeasurement string
	LaunchId          string
	Policy            uint32
	ApiMajor          uint32
	ApiMinor          uint32
	BuildId           uint32
	FwDigest          string
	LaunchDescription string
	SecretRequests    []*RequestDetails

	// Extensions for brokers that recompute the digest themselves.
	FwPath     string
	KernelPath string
	InitrdPath string
	Cmdline    string
	FwHob      string
	VmType     string
}

type SecretResponse struct {
	LaunchSecretHeader string
	LaunchSecretData   string
}

// message is implemented by every type the codec accepts.
type message interface {
	marshal() []byte
	unmarshal([]byte) error
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.marshal())
}

// fieldFunc decodes one field and returns the bytes consumed, or -1 to
// skip an unknown field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, v *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errors.Errorf("unexpected wire type %d", typ)
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = s
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, v *uint32) (int, error) {
	if typ != protowire.VarintType {
		return 0, errors.Errorf("unexpected wire type %d", typ)
	}
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = uint32(x)
	return n, nil
}

func (m *BundleRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CertificateChain)
	return appendUint32(b, 2, m.Policy)
}

func (m *BundleRequest) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.CertificateChain)
		case 2:
			return consumeUint32(typ, b, &m.Policy)
		}
		return -1, nil
	})
}

func (m *BundleResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.GuestOwnerPublicKey)
	b = appendString(b, 2, m.LaunchBlob)
	return appendString(b, 3, m.LaunchId)
}

func (m *BundleResponse) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.GuestOwnerPublicKey)
		case 2:
			return consumeString(typ, b, &m.LaunchBlob)
		case 3:
			return consumeString(typ, b, &m.LaunchId)
		}
		return -1, nil
	})
}

func (m *RequestDetails) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Guid)
	b = appendString(b, 2, m.Format)
	b = appendString(b, 3, m.SecretType)
	return appendString(b, 4, m.Id)
}

func (m *RequestDetails) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Guid)
		case 2:
			return consumeString(typ, b, &m.Format)
		case 3:
			return consumeString(typ, b, &m.SecretType)
		case 4:
			return consumeString(typ, b, &m.Id)
		}
		return -1, nil
	})
}

func (m *SecretRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.LaunchMeasurement)
	b = appendString(b, 2, m.LaunchId)
	b = appendUint32(b, 3, m.Policy)
	b = appendUint32(b, 4, m.ApiMajor)
	b = appendUint32(b, 5, m.ApiMinor)
	b = appendUint32(b, 6, m.BuildId)
	b = appendString(b, 7, m.FwDigest)
	b = appendString(b, 8, m.LaunchDescription)
	for _, d := range m.SecretRequests {
		b = appendMessage(b, 9, d)
	}
	b = appendString(b, 10, m.FwPath)
	b = appendString(b, 11, m.KernelPath)
	b = appendString(b, 12, m.InitrdPath)
	b = appendString(b, 13, m.Cmdline)
	b = appendString(b, 14, m.FwHob)
	return appendString(b, 15, m.VmType)
}

func (m *SecretRequest) unmarshal(b []byte) error {
	strs := map[protowire.Number]*string{
		1:  &m.LaunchMeasurement,
		2:  &m.LaunchId,
		7:  &m.FwDigest,
		8:  &m.LaunchDescription,
		10: &m.FwPath,
		11: &m.KernelPath,
		12: &m.InitrdPath,
		13: &m.Cmdline,
		14: &m.FwHob,
		15: &m.VmType,
	}
	ints := map[protowire.Number]*uint32{
		3: &m.Policy,
		4: &m.ApiMajor,
		5: &m.ApiMinor,
		6: &m.BuildId,
	}

	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if s, ok := strs[num]; ok {
			return consumeString(typ, b, s)
		}
		if v, ok := ints[num]; ok {
			return consumeUint32(typ, b, v)
		}
		if num != 9 {
			return -1, nil
		}

		if typ != protowire.BytesType {
			return 0, errors.Errorf("unexpected wire type %d", typ)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		d := &RequestDetails{}
		if err := d.unmarshal(raw); err != nil {
			return 0, err
		}
		m.SecretRequests = append(m.SecretRequests, d)
		return n, nil
	})
}

func (m *SecretResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.LaunchSecretHeader)
	return appendString(b, 2, m.LaunchSecretData)
}

func (m *SecretResponse) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.LaunchSecretHeader)
		case 2:
			return consumeString(typ, b, &m.LaunchSecretData)
		}
		return -1, nil
	})
}
