// Copyright contributors to AMD SEV/-ES in Go
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sev computes the expected launch digest of an SEV or SEV-ES
// guest booted by QEMU, so it can be compared with the measurement the
// platform reports.
package sev

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
)

type guidLE [16]byte

// GUIDs below must match QEMU target/i386/sev.c.
var (
	// 9438d606-4f22-4cc9-b479-a793d411fd21
	hashTableHeaderGUID = guidLE{0x06, 0xd6, 0x38, 0x94, 0x22, 0x4f, 0xc9, 0x4c, 0xb4, 0x79, 0xa7, 0x93, 0xd4, 0x11, 0xfd, 0x21}
	// 4de79437-abd2-427f-b835-d5b172d2045b
	kernelEntryGUID = guidLE{0x37, 0x94, 0xe7, 0x4d, 0xd2, 0xab, 0x7f, 0x42, 0xb8, 0x35, 0xd5, 0xb1, 0x72, 0xd2, 0x04, 0x5b}
	// 44baf731-3a2f-4bd7-9af1-41e29169781d
	initrdEntryGUID = guidLE{0x31, 0xf7, 0xba, 0x44, 0x2f, 0x3a, 0xd7, 0x4b, 0x9a, 0xf1, 0x41, 0xe2, 0x91, 0x69, 0x78, 0x1d}
	// 97d02dd8-bd20-4c94-aa78-e7714d36ab2a
	cmdlineEntryGUID = guidLE{0xd8, 0x2d, 0xd0, 0x97, 0x20, 0xbd, 0x94, 0x4c, 0xaa, 0x78, 0xe7, 0x71, 0x4d, 0x36, 0xab, 0x2a}
)

const (
	// guid + u16 length + sha256
	hashEntrySize = 16 + 2 + sha256.Size
	// guid + u16 length + cmdline, initrd and kernel entries
	hashTableSize = 16 + 2 + 3*hashEntrySize
	// QEMU pads the table to a 16 byte boundary
	paddedHashTableSize = (hashTableSize + 15) &^ 15
)

// DigestInput describes the guest whose launch digest is computed.
type DigestInput struct {
	FirmwarePath string
	// KernelPath is empty when the guest boots without kernel hashes.
	KernelPath string
	InitrdPath string
	Cmdline    string

	// EncryptedState selects SEV-ES, which also measures one VMSA page
	// per vCPU.
	EncryptedState bool
	VCPUs          int
	VCPUSig        VCPUSig
}

// Compute returns the SHA-256 launch digest for the input.
func (in DigestInput) Compute() (res [sha256.Size]byte, err error) {
	if in.FirmwarePath == "" {
		return res, errors.New("missing firmware path")
	}

	digest := sha256.New()
	if err := hashFileInto(digest, in.FirmwarePath); err != nil {
		return res, err
	}

	if in.KernelPath != "" {
		table, err := hashesTable(in.KernelPath, in.InitrdPath, in.Cmdline)
		if err != nil {
			return res, err
		}
		digest.Write(table)
	}

	if in.EncryptedState {
		if in.VCPUs < 1 {
			return res, errors.Errorf("invalid vcpu count %d", in.VCPUs)
		}

		fw, err := NewOvmf(in.FirmwarePath)
		if err != nil {
			return res, err
		}
		resetEIP, err := fw.sevEsResetEIP()
		if err != nil {
			return res, err
		}

		for i := 0; i < in.VCPUs; i++ {
			digest.Write(vmsaPage(i, uint64(resetEIP), in.VCPUSig))
		}
	}

	copy(res[:], digest.Sum(nil))
	return res, nil
}

// CalculateLaunchDigest returns the SEV launch digest for the firmware,
// kernel, initrd and kernel command line.
func CalculateLaunchDigest(firmwarePath, kernelPath, initrdPath, cmdline string) ([sha256.Size]byte, error) {
	return DigestInput{
		FirmwarePath: firmwarePath,
		KernelPath:   kernelPath,
		InitrdPath:   initrdPath,
		Cmdline:      cmdline,
	}.Compute()
}

// CalculateSEVESLaunchDigest returns the SEV-ES launch digest, which adds the
// initial VMSA of every vCPU to the SEV digest.
func CalculateSEVESLaunchDigest(vcpus int, vcpuSig VCPUSig, firmwarePath, kernelPath, initrdPath, cmdline string) ([sha256.Size]byte, error) {
	return DigestInput{
		FirmwarePath:   firmwarePath,
		KernelPath:     kernelPath,
		InitrdPath:     initrdPath,
		Cmdline:        cmdline,
		EncryptedState: true,
		VCPUs:          vcpus,
		VCPUSig:        vcpuSig,
	}.Compute()
}

func hashFileInto(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(h, f)
	return errors.Wrapf(err, "hashing %s", path)
}

func fileSha256(path string) ([]byte, error) {
	h := sha256.New()
	if err := hashFileInto(h, path); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// hashesTable lays out the table QEMU places in guest memory when booting
// with kernel-hashes=on.
func hashesTable(kernelPath, initrdPath, cmdline string) ([]byte, error) {
	kernelHash, err := fileSha256(kernelPath)
	if err != nil {
		return nil, err
	}

	// an absent initrd is measured as an empty file
	initrdHash := sha256.New().Sum(nil)
	if initrdPath != "" {
		if initrdHash, err = fileSha256(initrdPath); err != nil {
			return nil, err
		}
	}

	cmdlineHash := sha256.Sum256(append([]byte(cmdline), 0))

	table := make([]byte, paddedHashTableSize)
	copy(table[0:16], hashTableHeaderGUID[:])
	binary.LittleEndian.PutUint16(table[16:18], hashTableSize)

	off := 18
	for _, e := range []struct {
		guid guidLE
		hash []byte
	}{
		{cmdlineEntryGUID, cmdlineHash[:]},
		{initrdEntryGUID, initrdHash},
		{kernelEntryGUID, kernelHash},
	} {
		copy(table[off:off+16], e.guid[:])
		binary.LittleEndian.PutUint16(table[off+16:off+18], hashEntrySize)
		copy(table[off+18:off+hashEntrySize], e.hash)
		off += hashEntrySize
	}

	return table, nil
}
