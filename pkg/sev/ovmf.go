// Copyright contributors to AMD SEV/-ES in Go
//
// SPDX-License-Identifier: Apache-2.0

package sev

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// 96b582de-1fb2-45f7-baea-a366c55a082d
var ovmfTableFooterGUID = guidLE{0xde, 0x82, 0xb5, 0x96, 0xb2, 0x1f, 0xf7, 0x45, 0xba, 0xea, 0xa3, 0x66, 0xc5, 0x5a, 0x08, 0x2d}

// 00f771de-1a7e-4fcb-890e-68c77e2fb44e
var sevEsResetBlockGUID = guidLE{0xde, 0x71, 0xf7, 0x00, 0x7e, 0x1a, 0xcb, 0x4f, 0x89, 0x0e, 0x68, 0xc7, 0x7e, 0x2f, 0xb4, 0x4e}

const (
	// u16 size followed by the entry GUID
	ovmfEntryHeaderSize = 2 + 16
	// the footer table ends this many bytes before the end of the image
	ovmfFooterOffset = 32
)

var (
	errNoOvmfEntry      = errors.New("OVMF footer table entry not found")
	errInvalidOvmfEntry = errors.New("invalid OVMF footer table entry size")
)

// Ovmf holds the GUIDed footer table of an OVMF firmware image.
type Ovmf struct {
	table map[guidLE][]byte
}

// NewOvmf reads the firmware image at path and parses its footer table.
func NewOvmf(path string) (*Ovmf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	table, err := parseFooterTable(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	return &Ovmf{table: table}, nil
}

// parseFooterTable walks the table backwards from the footer entry. An image
// without a footer yields an empty table.
func parseFooterTable(data []byte) (map[guidLE][]byte, error) {
	table := make(map[guidLE][]byte)

	start := len(data) - ovmfFooterOffset - ovmfEntryHeaderSize
	if start < 0 {
		return table, nil
	}

	footerSize, footerGUID := entryHeader(data[start:])
	if footerGUID != ovmfTableFooterGUID {
		return table, nil
	}

	tableSize := int(footerSize) - ovmfEntryHeaderSize
	if tableSize < 0 || tableSize > start {
		return table, nil
	}

	entries := data[start-tableSize : start]
	for len(entries) >= ovmfEntryHeaderSize {
		end := len(entries)
		size, guid := entryHeader(entries[end-ovmfEntryHeaderSize:])
		if int(size) < ovmfEntryHeaderSize || int(size) > end {
			return table, errInvalidOvmfEntry
		}

		table[guid] = entries[end-int(size) : end-ovmfEntryHeaderSize]
		entries = entries[:end-int(size)]
	}

	return table, nil
}

func entryHeader(b []byte) (uint16, guidLE) {
	var guid guidLE
	copy(guid[:], b[2:ovmfEntryHeaderSize])
	return binary.LittleEndian.Uint16(b[0:2]), guid
}

func (o *Ovmf) tableItem(guid guidLE) ([]byte, error) {
	value, ok := o.table[guid]
	if !ok {
		return nil, errNoOvmfEntry
	}
	return value, nil
}

func (o *Ovmf) sevEsResetEIP() (uint32, error) {
	value, err := o.tableItem(sevEsResetBlockGUID)
	if err != nil {
		return 0, err
	}
	if len(value) < 4 {
		return 0, errInvalidOvmfEntry
	}
	return binary.LittleEndian.Uint32(value), nil
}
