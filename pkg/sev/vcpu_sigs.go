// Copyright contributors to AMD SEV/-ES in Go
//
// SPDX-License-Identifier: Apache-2.0

package sev

import (
	"strings"

	"github.com/pkg/errors"
)

// VCPUSig is the CPUID Fn0000_0001_EAX signature KVM loads into RDX of a
// fresh SEV-ES vCPU.
type VCPUSig uint64

const (
	// family=23, model=1, stepping=2
	SigEpyc VCPUSig = 0x800f12

	// family=23, model=49, stepping=0
	SigEpycRome VCPUSig = 0x830f10

	// family=25, model=1, stepping=1
	SigEpycMilan VCPUSig = 0xa00f11
)

var modelSigs = map[string]VCPUSig{
	"epyc":          SigEpyc,
	"epyc-v1":       SigEpyc,
	"epyc-v2":       SigEpyc,
	"epyc-ibpb":     SigEpyc,
	"epyc-v3":       SigEpyc,
	"epyc-v4":       SigEpyc,
	"epyc-rome":     SigEpycRome,
	"epyc-rome-v1":  SigEpycRome,
	"epyc-rome-v2":  SigEpycRome,
	"epyc-rome-v3":  SigEpycRome,
	"epyc-milan":    SigEpycMilan,
	"epyc-milan-v1": SigEpycMilan,
	"epyc-milan-v2": SigEpycMilan,
}

// VCPUSigForModel returns the signature of a QEMU CPU model name, for
// example "EPYC-Milan".
func VCPUSigForModel(model string) (VCPUSig, error) {
	sig, ok := modelSigs[strings.ToLower(model)]
	if !ok {
		return 0, errors.Errorf("unknown cpu model %q", model)
	}
	return sig, nil
}

// NewVCPUSig computes the CPU signature from family, model and stepping, as
// described in AMD CPUID Specification #25481, Fn0000_0001_EAX.
func NewVCPUSig(family, model, stepping uint32) VCPUSig {
	familyLow, familyHigh := family, uint32(0)
	if family > 0xf {
		familyLow = 0xf
		familyHigh = (family - 0x0f) & 0xff
	}

	return VCPUSig(familyHigh<<20 |
		((model>>4)&0xf)<<16 |
		familyLow<<8 |
		(model&0xf)<<4 |
		stepping&0xf)
}
