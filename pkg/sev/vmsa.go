// Copyright contributors to AMD SEV/-ES in Go
//
// SPDX-License-Identifier: Apache-2.0

package sev

import "encoding/binary"

const vmsaPageSize = 4096

// Offsets into the SEV-ES save area, AMD APM Vol 2 Table B-4.
const (
	vmsaES          = 0x000
	vmsaCS          = 0x010
	vmsaSS          = 0x020
	vmsaDS          = 0x030
	vmsaFS          = 0x040
	vmsaGS          = 0x050
	vmsaGDTR        = 0x060
	vmsaLDTR        = 0x070
	vmsaIDTR        = 0x080
	vmsaTR          = 0x090
	vmsaEFER        = 0x0d0
	vmsaCR4         = 0x148
	vmsaCR0         = 0x158
	vmsaDR7         = 0x160
	vmsaDR6         = 0x168
	vmsaRFLAGS      = 0x170
	vmsaRIP         = 0x178
	vmsaGPAT        = 0x268
	vmsaRDX         = 0x310
	vmsaSEVFeatures = 0x3b0
	vmsaXCR0        = 0x3e8
)

// bspResetEIP is where the boot processor starts.
const bspResetEIP = 0xfffffff0

type vmcbSeg struct {
	selector uint16
	attrib   uint16
	limit    uint32
	base     uint64
}

func (s vmcbSeg) put(page []byte, off int) {
	binary.LittleEndian.PutUint16(page[off:], s.selector)
	binary.LittleEndian.PutUint16(page[off+2:], s.attrib)
	binary.LittleEndian.PutUint32(page[off+4:], s.limit)
	binary.LittleEndian.PutUint64(page[off+8:], s.base)
}

// vmsaPage builds the initial VMSA of vcpu i as KVM sets it up. Fields not
// written here are zero.
func vmsaPage(i int, apEIP uint64, sig VCPUSig) []byte {
	eip := uint64(bspResetEIP)
	if i > 0 {
		eip = apEIP
	}

	page := make([]byte, vmsaPageSize)

	data := vmcbSeg{0, 0x93, 0xffff, 0}
	for _, off := range []int{vmsaES, vmsaSS, vmsaDS, vmsaFS, vmsaGS} {
		data.put(page, off)
	}
	vmcbSeg{0xf000, 0x9b, 0xffff, eip & 0xffff0000}.put(page, vmsaCS)
	vmcbSeg{0, 0, 0xffff, 0}.put(page, vmsaGDTR)
	vmcbSeg{0, 0, 0xffff, 0}.put(page, vmsaIDTR)
	vmcbSeg{0, 0x82, 0xffff, 0}.put(page, vmsaLDTR)
	vmcbSeg{0, 0x8b, 0xffff, 0}.put(page, vmsaTR)

	for off, v := range map[int]uint64{
		vmsaEFER:        0x1000, // EFER_SVME
		vmsaCR4:         0x40,   // X86_CR4_MCE
		vmsaCR0:         0x10,
		vmsaDR7:         0x400,
		vmsaDR6:         0xffff0ff0,
		vmsaRFLAGS:      0x2,
		vmsaRIP:         eip & 0xffff,
		vmsaGPAT:        0x7040600070406,
		vmsaRDX:         uint64(sig),
		vmsaSEVFeatures: 0,
		vmsaXCR0:        0x1,
	} {
		binary.LittleEndian.PutUint64(page[off:], v)
	}

	return page
}
